package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Checksum returns the hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// WriteFile uploads content to remotePath via SFTP, writing to a temporary
// file first and renaming it into place once the remote checksum matches.
func WriteFile(ctx context.Context, client *xssh.Client, remotePath string, content []byte, mode os.FileMode) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	tmp := remotePath + ".rollout-tmp"
	dst, err := sf.Create(tmp)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, bytes.NewReader(content)); err != nil {
		_ = dst.Close()
		_ = sf.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = sf.Remove(tmp)
		return fmt.Errorf("close remote: %w", err)
	}
	if err := sf.Chmod(tmp, mode); err != nil {
		_ = sf.Remove(tmp)
		return fmt.Errorf("chmod remote: %w", err)
	}
	if err := verifyRemoteChecksum(ctx, client, tmp, Checksum(content)); err != nil {
		_ = sf.Remove(tmp)
		return err
	}
	if err := sf.PosixRename(tmp, remotePath); err != nil {
		_ = sf.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func verifyRemoteChecksum(ctx context.Context, client *xssh.Client, remotePath, expected string) error {
	out, _, err := Run(ctx, client, fmt.Sprintf("sha256sum %s | cut -d' ' -f1", ShellQuote(remotePath)))
	if err != nil {
		return fmt.Errorf("calculate remote checksum: %w", err)
	}
	if got := strings.TrimSpace(out); got != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, got)
	}
	return nil
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
