// Package secret resolves the fingerprint hashing secret at startup.
package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

// GeneratedLength is the size in bytes of a secret generated when nothing is configured.
const GeneratedLength = 32

// Origin reports where a resolved secret came from.
type Origin string

const (
	OriginLiteral   Origin = "literal"
	OriginSSM       Origin = "ssm"
	OriginKMS       Origin = "kms"
	OriginGenerated Origin = "generated"
)

// Source lists the configured locations, checked in field order.
type Source struct {
	Literal       string
	SSMParam      string
	KMSCiphertext string // base64
}

type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type KMSDecryptAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Clients may be left nil when the matching source is not configured.
type Clients struct {
	SSM SSMGetParameterAPI
	KMS KMSDecryptAPI
}

// NeedsAWS reports whether resolving src requires AWS clients.
func (s Source) NeedsAWS() bool {
	return strings.TrimSpace(s.Literal) == "" && (s.SSMParam != "" || s.KMSCiphertext != "")
}

// Resolve returns the secret and its origin. A configured source that fails
// is an error; it never silently falls through to a generated secret.
func Resolve(ctx context.Context, src Source, c Clients, L log.Logger) (string, Origin, error) {
	if L == nil {
		L = log.Nop()
	}

	if v := strings.TrimSpace(src.Literal); v != "" {
		return v, OriginLiteral, nil
	}

	if src.SSMParam != "" {
		if c.SSM == nil {
			return "", "", xerrors.New("ssm secret parameter configured without an ssm client")
		}
		out, err := c.SSM.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(src.SSMParam),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return "", "", xerrors.Wrapf(err, "get SSM parameter %s", src.SSMParam)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return "", "", xerrors.Newf("SSM parameter %s has no value", src.SSMParam)
		}
		v := strings.TrimSpace(*out.Parameter.Value)
		if v == "" {
			return "", "", xerrors.Newf("SSM parameter %s is empty", src.SSMParam)
		}
		return v, OriginSSM, nil
	}

	if src.KMSCiphertext != "" {
		if c.KMS == nil {
			return "", "", xerrors.New("kms secret ciphertext configured without a kms client")
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(src.KMSCiphertext))
		if err != nil {
			return "", "", xerrors.Wrap(err, "decode kms ciphertext")
		}
		out, err := c.KMS.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return "", "", xerrors.Wrap(err, "kms decrypt secret")
		}
		v := strings.TrimSpace(string(out.Plaintext))
		if v == "" {
			return "", "", xerrors.New("kms plaintext is empty")
		}
		return v, OriginKMS, nil
	}

	buf := make([]byte, GeneratedLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", xerrors.Wrap(err, "generate secret")
	}
	L.Warn(ctx, "no fingerprint secret configured, generated one; fingerprints change on restart")
	return hex.EncodeToString(buf), OriginGenerated, nil
}
