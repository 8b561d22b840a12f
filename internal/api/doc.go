// Package api defines the HTTP/JSON protocol between the coordinator and
// training clients, plus a small client for it.
//
// # Communication Protocol
//
// Update (POST /update-model):
//   - {"weights": [tensor, ...]} overwrites the global model with one set
//   - {"clients": [[tensor, ...], ...], "mode": ..., "sample_counts": ...,
//     "include_global": ...} aggregates several sets
//   - Returns {"message": "Model updated successfully", "version", "revision"}
//
// Fetch (GET /global-model):
//   - Returns the topology descriptor, the weight specs and the packed
//     weights (base64), plus version and revision
//   - GET /global-model/weights.bin returns the packed weights alone
//
// Monitoring (GET /status, GET /health).
//
// A tensor is {"shape": [...], "dtype": "float32", "data": [...]}, or the
// same with "bytes" holding the little-endian encoding in base64.
//
// # Error Handling
//
// Every non-2xx response carries an ErrorResponse. PostJSON and GetJSON
// turn it into a *StatusError, so callers can inspect the status code and
// the offending set or tensor index:
//
//	var serr *api.StatusError
//	if errors.As(err, &serr) && serr.Body.Index != nil {
//	    log.Printf("tensor %d rejected: %s", *serr.Body.Index, serr.Body.Error)
//	}
//
// # Usage Example
//
//	c := api.NewClient("http://localhost:3001")
//	m, err := c.FetchModel(ctx)
//	tensors, err := m.Tensors()
//	ack, err := c.PushWeights(ctx, params)
package api
