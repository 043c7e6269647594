// Package webhook implements the timestamped HMAC-SHA256 signature scheme used
// to authenticate webhook bodies.
//
// The signer computes HMAC-SHA256(secret, "<unix timestamp>.<raw body>") and
// sends it as a single header:
//
//	X-Webhook-Signature: t=1718000000,v1=5257a869e7ecebeda32affa62cdca3fa51cad7e77a0e56ff536d0ce8e108d8bd
//
// The receiver must verify the raw, unparsed body:
//
//	body, _ := io.ReadAll(r.Body)
//	if err := webhook.Verify(secret, body, r.Header.Get("X-Webhook-Signature"), webhook.DefaultTolerance, time.Now()); err != nil {
//		http.Error(w, "invalid signature", http.StatusBadRequest)
//		return
//	}
package webhook
