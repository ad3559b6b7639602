// Package client is the Go SDK for the Keyward licensing API. It covers
// the client-facing surface an installed application needs: activating a
// license code, verifying an activation, releasing a device slot, and
// requesting a hardware-bound trial.
//
// The zero-configuration path:
//
//	c := client.New("https://license.example.com")
//	act, err := c.Activate(ctx, client.ActivateParams{
//		Code:     "ABCDE-12345",
//		DeviceID: deviceID,
//	})
//	if err != nil {
//		if client.IsCapacityExceeded(err) {
//			// all seats taken; tell the user to free one
//		}
//		return err
//	}
//
// API rejections are returned as *APIError carrying the server's RFC
// 7807 problem document; transport failures are returned as ordinary
// wrapped errors. The Is* predicates distinguish rejection kinds without
// string matching.
package client
