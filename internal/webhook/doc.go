// Package webhook authenticates and decodes GitHub webhook deliveries.
//
// GitHub signs every delivery with HMAC-SHA256 over the raw request body using
// the secret configured on the webhook, and sends the result in the
// X-Hub-Signature-256 header as "sha256=<hex>".
//
// # Security Model
//
//   - Signatures are compared with crypto/subtle (constant time)
//   - Verification never returns details to the caller, only true/false
//   - Rejection reasons are logged, signatures and bodies are not
//
// # Events
//
// Only workflow_job deliveries carry runner demand. ParseJobEvent normalizes
// the payload into a JobEvent:
//
//	{
//	  "action": "queued",
//	  "repository": {"full_name": "owner/repo"},
//	  "workflow_job": {"labels": ["self-hosted", "gpu"], "runner_name": null}
//	}
//
// Actions other than queued and completed normalize to ActionOther.
package webhook
