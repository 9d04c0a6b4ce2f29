package secrets

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Credential kinds an inbound channel may be configured with.
const (
	CredentialBearer = "bearer"
	CredentialHMAC   = "hmac"
)

// DefaultSignatureSkew bounds how far a signed timestamp may drift from
// the server clock.
const DefaultSignatureSkew = 5 * time.Minute

// ChannelKey is the vault key of a channel credential.
func ChannelKey(channel, kind string) string {
	return "inbound/" + channel + "/" + kind
}

// InboundVerifier authenticates inbound channel requests against the
// per-channel credentials held in the vault.
type InboundVerifier struct {
	vault Vault
	skew  time.Duration
	now   func() time.Time
}

// NewInboundVerifier creates a verifier. skew <= 0 uses DefaultSignatureSkew.
func NewInboundVerifier(v Vault, skew time.Duration) *InboundVerifier {
	if skew <= 0 {
		skew = DefaultSignatureSkew
	}
	return &InboundVerifier{vault: v, skew: skew, now: time.Now}
}

// SetClock overrides the verifier clock.
func (iv *InboundVerifier) SetClock(now func() time.Time) { iv.now = now }

// VerifyBearer checks token against the channel's bearer secret.
func (iv *InboundVerifier) VerifyBearer(ctx context.Context, channel, token string) error {
	if token == "" {
		return unauthenticated("missing bearer token")
	}
	secret, err := iv.credential(ctx, channel, CredentialBearer)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(secret, []byte(token)) != 1 {
		return unauthenticated("invalid bearer token")
	}
	return nil
}

// VerifySignature checks an HMAC-SHA256 signature over "timestamp.body".
// timestamp is unix seconds and must lie within the allowed skew.
func (iv *InboundVerifier) VerifySignature(ctx context.Context, channel, timestamp, signature string, body []byte) error {
	if timestamp == "" || signature == "" {
		return unauthenticated("missing signature headers")
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return unauthenticated("malformed signature timestamp")
	}
	drift := iv.now().Sub(time.Unix(sec, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > iv.skew {
		return unauthenticated("signature timestamp outside allowed skew")
	}

	secret, err := iv.credential(ctx, channel, CredentialHMAC)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return unauthenticated("malformed signature")
	}
	if !hmac.Equal(got, mac(secret, timestamp, body)) {
		return unauthenticated("signature mismatch")
	}
	return nil
}

// Sign returns the hex signature a channel sender attaches to body.
func Sign(secret []byte, timestamp string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}

func mac(secret []byte, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}

func (iv *InboundVerifier) credential(ctx context.Context, channel, kind string) ([]byte, error) {
	secret, err := iv.vault.Resolve(ctx, ChannelKey(channel, kind))
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, unauthenticated("channel " + channel + " has no " + kind + " credential")
	}
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, unauthenticated("channel " + channel + " has an empty " + kind + " credential")
	}
	return secret, nil
}

func unauthenticated(msg string) error {
	return schema.NewError(schema.ErrCodeUnauthenticated, msg)
}
