// Package client is a typed Go client for the coordinator's HTTP API.
//
// It covers the operator and CI surface: submitting builds, polling them to
// completion, cancelling them, and inspecting or draining workers. Worker
// processes do not use it; they speak the websocket protocol through
// internal/agent.
//
// # Usage
//
//	c, err := client.New("http://build-coord:7879", os.Getenv("FORGE_API_TOKEN"))
//	if err != nil {
//		return err
//	}
//	b, err := c.SubmitBuild(ctx, coordinator.BuildRequest{Project: "app", Jobs: jobs})
//	if err != nil {
//		return err
//	}
//	b, err = c.WaitBuild(ctx, b.ID, time.Second)
//
// # Errors
//
// Any non-2xx response becomes a *StatusError carrying the status code and
// the "error" field of the body. errors.Is(err, ErrNotFound) matches 404s.
package client
