package loader

// mergeDefinitions deep-merges parent into child, child winning:
// lists of rules and phases merge by name, plain lists are replaced
// wholesale. Neither argument
// is mutated; a new Definition is returned.
func mergeDefinitions(parent, child *Definition) *Definition {
	merged := *child

	if merged.Type == "" {
		merged.Type = parent.Type
	}
	if merged.Version == "" {
		merged.Version = parent.Version
	}

	merged.Phases = mergePhasesByName(parent.Phases, child.Phases)
	merged.Rules = mergeRulesByName(parent.Rules, child.Rules)
	merged.Observers = mergeObserversByName(parent.Observers, child.Observers)

	// tool_rules is a plain list: child replaces parent wholesale if
	// child declares any, otherwise parent's apply.
	if len(child.ToolRules) > 0 {
		merged.ToolRules = child.ToolRules
	} else {
		merged.ToolRules = parent.ToolRules
	}

	merged.Triggers = mergeTriggers(parent.Triggers, child.Triggers)
	merged.Variables = mergeVariables(parent.Variables, child.Variables)

	merged.Settings = mergeSettings(parent.Settings, child.Settings)

	return &merged
}

func mergePhasesByName(parent, child []Phase) []Phase {
	byName := make(map[string]Phase, len(parent)+len(child))
	order := make([]string, 0, len(parent)+len(child))
	for _, p := range parent {
		byName[p.Name] = p
		order = append(order, p.Name)
	}
	for _, p := range child {
		if _, exists := byName[p.Name]; !exists {
			order = append(order, p.Name)
		}
		byName[p.Name] = p
	}
	result := make([]Phase, 0, len(order))
	for _, name := range order {
		result = append(result, byName[name])
	}
	return result
}

func mergeRulesByName(parent, child []RuleSpec) []RuleSpec {
	byName := make(map[string]RuleSpec, len(parent)+len(child))
	order := make([]string, 0, len(parent)+len(child))
	for _, r := range parent {
		byName[r.Name] = r
		order = append(order, r.Name)
	}
	for _, r := range child {
		if _, exists := byName[r.Name]; !exists {
			order = append(order, r.Name)
		}
		byName[r.Name] = r
	}
	result := make([]RuleSpec, 0, len(order))
	for _, name := range order {
		result = append(result, byName[name])
	}
	return result
}

func mergeObserversByName(parent, child []ObserverSpec) []ObserverSpec {
	byName := make(map[string]ObserverSpec, len(parent)+len(child))
	order := make([]string, 0, len(parent)+len(child))
	for _, o := range parent {
		byName[o.Name] = o
		order = append(order, o.Name)
	}
	for _, o := range child {
		if _, exists := byName[o.Name]; !exists {
			order = append(order, o.Name)
		}
		byName[o.Name] = o
	}
	result := make([]ObserverSpec, 0, len(order))
	for _, name := range order {
		result = append(result, byName[name])
	}
	return result
}

// mergeTriggers merges the events->actions map key by key: an event key
// present in child replaces the parent's action list for that event
// wholesale (the action list itself is a plain ordered list); a key
// present only in parent is inherited untouched.
func mergeTriggers(parent, child map[string][]ActionSpec) map[string][]ActionSpec {
	if parent == nil && child == nil {
		return nil
	}
	merged := make(map[string][]ActionSpec, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func mergeVariables(parent, child map[string]any) map[string]any {
	if parent == nil && child == nil {
		return nil
	}
	merged := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func mergeSettings(parent, child Settings) Settings {
	merged := child
	if merged.StuckDetection.MaxPhaseDurationMinutes == 0 {
		merged.StuckDetection.MaxPhaseDurationMinutes = parent.StuckDetection.MaxPhaseDurationMinutes
	}
	if merged.StuckDetection.SameTaskThreshold == 0 {
		merged.StuckDetection.SameTaskThreshold = parent.StuckDetection.SameTaskThreshold
	}
	if merged.StuckDetection.ValidationFailureThreshold == 0 {
		merged.StuckDetection.ValidationFailureThreshold = parent.StuckDetection.ValidationFailureThreshold
	}
	return merged
}
