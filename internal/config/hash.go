package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFileName = ".checksums"

// checksumFile is the on-disk format of the integrity file: a map of config
// file base names to their BLAKE3 hashes.
type checksumFile struct {
	Files map[string]string `yaml:"files"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// Lock writes (or refreshes) the .checksums file next to configPath,
// authorizing the config's current content.
func Lock(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return "", err
	}

	cf := checksumFile{Files: map[string]string{
		filepath.Base(absPath): hash,
	}}
	data, err := yaml.Marshal(&cf)
	if err != nil {
		return "", fmt.Errorf("marshal checksums: %w", err)
	}

	checksumPath := filepath.Join(filepath.Dir(absPath), checksumFileName)
	if err := os.WriteFile(checksumPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write checksums: %w", err)
	}
	return checksumPath, nil
}

// Check verifies configPath against its .checksums file. A missing
// .checksums file is an error for Check (unlike Load, which treats an
// unlocked config as acceptable).
func Check(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	checksumPath := filepath.Join(filepath.Dir(absPath), checksumFileName)
	if _, err := os.Stat(checksumPath); err != nil {
		return fmt.Errorf("config is not locked: %s missing\n"+
			"Hint: run 'fanq config lock' to authorize the current config", checksumPath)
	}
	return verifyAgainst(absPath, checksumPath)
}

// verifyIfLocked verifies the config hash only when a .checksums file exists.
func verifyIfLocked(absPath string) error {
	checksumPath := filepath.Join(filepath.Dir(absPath), checksumFileName)
	if _, err := os.Stat(checksumPath); err != nil {
		return nil
	}
	return verifyAgainst(absPath, checksumPath)
}

func verifyAgainst(absPath, checksumPath string) error {
	data, err := os.ReadFile(checksumPath)
	if err != nil {
		return fmt.Errorf("read checksums: %w", err)
	}

	var cf checksumFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("parse checksums: %w", err)
	}

	expected, ok := cf.Files[filepath.Base(absPath)]
	if !ok {
		return fmt.Errorf("no checksum recorded for %s", filepath.Base(absPath))
	}
	if err := VerifyFileHash(absPath, expected); err != nil {
		return fmt.Errorf("config integrity check failed: %w\n"+
			"Hint: run 'fanq config lock' if this change is intentional", err)
	}
	return nil
}
