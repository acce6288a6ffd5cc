// Package client is the Go SDK for the EvidenceKeeper verification gateway.
//
// Anyone holding a file can check whether its SHA-256 digest was anchored,
// without sending the file anywhere:
//
//	c, _ := client.New("https://verify.example.com")
//	d, _ := client.DigestFile("contract.pdf")
//	v, err := c.Verify(ctx, d)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(v.Status) // anchored
//
// # Cached lookups
//
// Anchored results never change, so they can be cached client-side:
//
//	c, _ := client.New(gatewayURL, client.WithCacheTTL(10*time.Minute))
//
// Only anchored results are cached; pending digests are always re-fetched.
//
// # Premium verification (x402)
//
// Premium tiers cost a stablecoin micropayment. Call Premium without a proof
// to get a quote, pay it with any wallet, then retry with the proof:
//
//	_, err := c.Premium(ctx, d, "legal_attestation", nil)
//	var pr *client.PaymentRequiredError
//	if errors.As(err, &pr) {
//	    sig := pay(pr.Quote.Recipient, pr.Quote.Price, pr.Quote.Memo)
//	    res, err := c.Premium(ctx, d, "legal_attestation", &client.PaymentProof{
//	        Signature: sig, Amount: pr.Quote.Price, Token: "USDC", Memo: pr.Quote.Memo,
//	    })
//	}
//
// A legal attestation can be checked offline against the published key:
//
//	key, _ := c.AttestationKey(ctx)
//	ok := res.Attestation.Verify(key.PublicKey, res.Verification.Records[0].ID, d)
package client
