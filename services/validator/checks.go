package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modeld/pkg/blob"
	"modeld/pkg/config"
	"modeld/services/bundler"
	"modeld/services/registry"
)

// RegisterPolicy registers the built-in checks named by the policy. The
// signature check needs a signer; passing nil makes a policy naming it an
// error rather than silently weakening validation.
func (v *Validator) RegisterPolicy(policy config.CheckPolicy, signer *bundler.Signer) error {
	if v == nil {
		return errors.New("nil validator")
	}

	for _, spec := range policy.Checks {
		var fn CheckFunc
		switch spec.Name {
		case "signature":
			if signer == nil {
				return errors.New("signature check requires a signer")
			}
			fn = SignatureCheck(signer)
		case "digest":
			fn = DigestCheck()
		case "manifest":
			fn = ManifestCheck()
		case "size":
			fn = SizeCheck(spec.MaxBytes)
		default:
			return fmt.Errorf("unknown check %q in policy", spec.Name)
		}

		timeout := time.Duration(spec.TimeoutSeconds) * time.Second
		if err := v.Register(spec.Name, spec.Required, timeout, fn); err != nil {
			return err
		}
	}
	return nil
}

// SignatureCheck verifies the bundle manifest's ed25519 signature and every
// packaged file's digest against the manifest. A bad signature or tampered
// file is a fail; store trouble is indeterminate.
func SignatureCheck(signer *bundler.Signer) CheckFunc {
	return func(ctx context.Context, rec registry.Record, store blob.Store) error {
		data, err := fetch(ctx, rec, store)
		if err != nil {
			return err
		}
		if _, err := bundler.Verify(data, signer); err != nil {
			return Fail("signature verification failed: %v", err)
		}
		return nil
	}
}

// DigestCheck recomputes the stored bytes' digest and compares it with the
// record's digest, catching corruption between upload and storage.
func DigestCheck() CheckFunc {
	return func(ctx context.Context, rec registry.Record, store blob.Store) error {
		data, err := fetch(ctx, rec, store)
		if err != nil {
			return err
		}
		if got := blob.Digest(data); got != rec.Digest {
			return Fail("stored bytes digest %s does not match record digest %s", got, rec.Digest)
		}
		return nil
	}
}

// ManifestCheck confirms the artifact is a well-formed bundle whose manifest
// matches the record's declared name and version.
func ManifestCheck() CheckFunc {
	return func(ctx context.Context, rec registry.Record, store blob.Store) error {
		data, err := fetch(ctx, rec, store)
		if err != nil {
			return err
		}
		manifest, err := bundler.ReadManifest(data)
		if err != nil {
			return Fail("unreadable bundle: %v", err)
		}
		if manifest.Model.Name != rec.Name {
			return Fail("manifest model name %q does not match record %q", manifest.Model.Name, rec.Name)
		}
		if manifest.Model.Version != rec.Version {
			return Fail("manifest model version %q does not match record %q", manifest.Model.Version, rec.Version)
		}
		return nil
	}
}

// SizeCheck rejects artifacts larger than maxBytes.
func SizeCheck(maxBytes int64) CheckFunc {
	return func(ctx context.Context, rec registry.Record, store blob.Store) error {
		if maxBytes <= 0 {
			return nil
		}
		data, err := fetch(ctx, rec, store)
		if err != nil {
			return err
		}
		if int64(len(data)) > maxBytes {
			return Fail("artifact is %d bytes, limit is %d", len(data), maxBytes)
		}
		return nil
	}
}

func fetch(ctx context.Context, rec registry.Record, store blob.Store) ([]byte, error) {
	data, err := store.Get(ctx, rec.Digest)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, Fail("artifact bytes missing from store")
		}
		// Store unavailability is indeterminate, not a safety determination.
		return nil, err
	}
	return data, nil
}
