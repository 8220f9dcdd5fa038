package actions

import (
	"context"

	"github.com/gobby-dev/gobby/internal/event"
)

// registerArtifacts installs capture_artifact and read_artifact.
func registerArtifacts(e *Executor) {
	e.register("capture_artifact", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		key := stringParam(params, "key", stringParam(params, "title", "artifact"))
		artifactType := stringParam(params, "artifact_type", "note")
		title := stringParam(params, "title", key)
		content := stringParam(params, "content", "")
		filePath := stringParam(params, "file_path", "")
		return event.Response{}, deps.State.CaptureArtifact(inv.SessionID, key, artifactType, title, content, filePath)
	})

	e.register("read_artifact", func(_ context.Context, deps *Deps, inv *Invocation, params map[string]any) (event.Response, error) {
		key := stringParam(params, "key", "")
		content, err := deps.State.ReadArtifact(inv.SessionID, key)
		if err != nil {
			return event.Response{}, err
		}
		return event.Response{Action: event.Modify, InjectContext: content}, nil
	})
}
