// Package artifact downloads release assets with a hard size ceiling and
// streaming keyed-signature verification.
package artifact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
)

// MaxSize is the hard safety ceiling on artifact size: 4 GiB. Anything
// larger is rejected at the metadata probe, before any body bytes move.
const MaxSize = int64(1) << 32

const chunkSize = 1 << 20

// Fetch downloads url to dest, verifying the body's HMAC-SHA256 signature
// under secret against the expected checksum ("sha256=" + 64 hex chars).
//
// The body streams to disk in fixed-size chunks while the HMAC accumulator
// updates per chunk; the whole artifact is never held in memory. The final
// signature is compared in constant time. On any failure the partial file is
// removed before returning; on success the returned cleanup removes the
// file and must be called once the caller is done with it.
func Fetch(ctx context.Context, client *http.Client, url, token, dest, checksum, secret string) (cleanup func(), err error) {
	if client == nil {
		client = http.DefaultClient
	}

	size, err := probeSize(ctx, client, url, token)
	if err != nil {
		return nil, err
	}
	if size > MaxSize {
		return nil, fmt.Errorf("artifact size %d exceeds %d byte ceiling", size, MaxSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	setAssetHeaders(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download artifact: unexpected status %s", resp.Status)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}
	remove := func() { _ = os.Remove(dest) }

	mac := hmac.New(sha256.New, []byte(secret))
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > MaxSize {
				_ = f.Close()
				remove()
				return nil, fmt.Errorf("artifact stream exceeded %d byte ceiling", MaxSize)
			}
			mac.Write(buf[:n])
			if _, err := f.Write(buf[:n]); err != nil {
				_ = f.Close()
				remove()
				return nil, fmt.Errorf("write artifact chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = f.Close()
			remove()
			return nil, fmt.Errorf("read artifact stream: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		remove()
		return nil, fmt.Errorf("close artifact file: %w", err)
	}

	computed := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(computed), []byte(checksum)) != 1 {
		// Partial or tampered content; no assumption about what landed on
		// disk, so the file goes regardless.
		remove()
		return nil, fmt.Errorf("artifact signature mismatch")
	}

	return remove, nil
}

// probeSize reads the artifact's expected byte length without transferring
// the body. A host that reports no length returns -1; the streaming guard
// still enforces the ceiling in that case.
func probeSize(ctx context.Context, client *http.Client, url, token string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	setAssetHeaders(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe artifact: unexpected status %s", resp.Status)
	}
	return resp.ContentLength, nil
}

func setAssetHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
