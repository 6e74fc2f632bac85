// Package testutil provides environment helpers for live tests that run the
// gdrive-go binary against a real Google account. It depends only on stdlib
// so that packages outside internal/ can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// AllowlistEnvVar lists the accounts live tests may touch, comma separated.
	AllowlistEnvVar = "GDRIVE_ALLOWED_TEST_ACCOUNTS"

	// AccountEnvVar names the account the credential file belongs to.
	AccountEnvVar = "GDRIVE_TEST_ACCOUNT"

	// CredentialFileName is the credential file expected in .testdata/.
	CredentialFileName = "credentials.json"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// A missing file is not an error. Existing env vars take precedence.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// CheckAllowlist reports whether account appears in allowlist.
func CheckAllowlist(allowlist, account string) error {
	if allowlist == "" {
		return fmt.Errorf("%s not set (example: %s=tester@gmail.com)", AllowlistEnvVar, AllowlistEnvVar)
	}

	if account == "" {
		return fmt.Errorf("%s not set", AccountEnvVar)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(a), account) {
			return nil
		}
	}

	return fmt.Errorf("%s=%q is not in %s=%q", AccountEnvVar, account, AllowlistEnvVar, allowlist)
}

// ValidateAllowlist exits the process unless the test account is allowlisted.
func ValidateAllowlist() {
	if err := CheckAllowlist(os.Getenv(AllowlistEnvVar), os.Getenv(AccountEnvVar)); err != nil {
		fmt.Fprintln(os.Stderr, "FATAL: "+err.Error())
		os.Exit(1)
	}
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FindTestCredentialDir locates .testdata/ relative to the module root and
// exits if it does not hold a credential file.
func FindTestCredentialDir(moduleRoot string) string {
	dir := filepath.Join(moduleRoot, ".testdata")

	if _, err := os.Stat(filepath.Join(dir, CredentialFileName)); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s not found in %s\n", CredentialFileName, dir)
		fmt.Fprintln(os.Stderr, "Run `gdrive-go grant` with GDRIVE_GO_CREDENTIALS pointing there.")
		os.Exit(1)
	}

	return dir
}

// CopyFile copies src to dst with the given permissions.
func CopyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}

	return nil
}
