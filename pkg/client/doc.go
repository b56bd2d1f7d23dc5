// Package client audits a running ledgerd over HTTP.
//
// Read the server's view:
//
//	c, err := client.New("http://localhost:8090")
//	ov, err := c.Overview(ctx)
//	fmt.Println(ov.Events, ov.TailHash)
//
// Audit downloads every event and re-verifies the hash chain locally, so a
// compromised server cannot vouch for itself:
//
//	n, err := c.Audit(ctx)
//	if errors.Is(err, hashchain.ErrMismatch) {
//	    // the ledger served is not a valid chain
//	}
//
// With WithSignatureVerification the audit also checks author and witness
// signatures against a local key directory.
package client
