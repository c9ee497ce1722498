// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestGenerateKeypair(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if !strings.HasPrefix(keypair.PrivateKey.String(), "AGE-SECRET-KEY-1") {
		t.Errorf("PrivateKey = %q, want prefix AGE-SECRET-KEY-1", keypair.PrivateKey.String())
	}
	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("PublicKey = %q, want prefix age1", keypair.PublicKey)
	}
}

func TestGenerateKeypair_Unique(t *testing.T) {
	keypair1, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair1.Close()
	keypair2, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair2.Close()

	if keypair1.PrivateKey.String() == keypair2.PrivateKey.String() {
		t.Error("two generated keypairs have identical private keys")
	}
	if keypair1.PublicKey == keypair2.PublicKey {
		t.Error("two generated keypairs have identical public keys")
	}
}

func TestEncryptDecrypt_SingleRecipient(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte("a pre-signed object-store URL")
	ciphertext, err := Encrypt(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := base64.StdEncoding.DecodeString(ciphertext); err != nil {
		t.Errorf("Encrypt() returned invalid base64: %v", err)
	}
	if ciphertext == string(plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	defer decrypted.Close()
	if string(decrypted.Bytes()) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted.Bytes(), plaintext)
	}
}

func TestEncryptDecrypt_MultipleRecipients(t *testing.T) {
	handle, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer handle.Close()
	escrow, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer escrow.Close()

	plaintext := []byte(`{"sshEndpoint":"10.0.0.2:22","token":"tok-abc"}`)
	ciphertext, err := Encrypt(plaintext, []string{handle.PublicKey, escrow.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	decryptedByHandle, err := Decrypt(ciphertext, handle.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt(handle) error: %v", err)
	}
	defer decryptedByHandle.Close()
	if string(decryptedByHandle.Bytes()) != string(plaintext) {
		t.Errorf("Decrypt(handle) = %q, want %q", decryptedByHandle.Bytes(), plaintext)
	}

	decryptedByEscrow, err := Decrypt(ciphertext, escrow.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt(escrow) error: %v", err)
	}
	defer decryptedByEscrow.Close()
	if string(decryptedByEscrow.Bytes()) != string(plaintext) {
		t.Errorf("Decrypt(escrow) = %q, want %q", decryptedByEscrow.Bytes(), plaintext)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()
	wrongKeypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer wrongKeypair.Close()

	ciphertext, err := Encrypt([]byte("secret data"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := Decrypt(ciphertext, wrongKeypair.PrivateKey); err == nil {
		t.Error("Decrypt() with wrong key should return error")
	}
}

func TestEncrypt_NoRecipients(t *testing.T) {
	if _, err := Encrypt([]byte("data"), nil); err == nil {
		t.Error("Encrypt() with no recipients should return error")
	} else if !strings.Contains(err.Error(), "at least one recipient") {
		t.Errorf("error = %v, want 'at least one recipient'", err)
	}
}

func TestEncrypt_InvalidRecipientKey(t *testing.T) {
	_, err := Encrypt([]byte("data"), []string{"not-a-valid-key"})
	if err == nil {
		t.Error("Encrypt() with invalid recipient key should return error")
	}
	if !strings.Contains(err.Error(), "parsing recipient key") {
		t.Errorf("error = %v, want 'parsing recipient key'", err)
	}
}

func TestDecrypt_InvalidBase64(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if _, err := Decrypt("not-valid-base64!!!", keypair.PrivateKey); err == nil {
		t.Error("Decrypt() with invalid base64 should return error")
	} else if !strings.Contains(err.Error(), "decoding base64") {
		t.Errorf("error = %v, want 'decoding base64'", err)
	}
}

func TestDecrypt_CorruptedCiphertext(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	corruptedBase64 := base64.StdEncoding.EncodeToString([]byte("this is not age ciphertext"))
	if _, err := Decrypt(corruptedBase64, keypair.PrivateKey); err == nil {
		t.Error("Decrypt() with corrupted ciphertext should return error")
	}
}

func TestEncryptDecrypt_EmptyPlaintext(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	ciphertext, err := Encrypt([]byte{}, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt(empty) error: %v", err)
	}

	decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt(empty) error: %v", err)
	}
	defer decrypted.Close()
	if decrypted.Len() != 0 {
		t.Errorf("Decrypt(empty) len = %d, want 0", decrypted.Len())
	}
}

func TestParsePublicKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if err := ParsePublicKey(keypair.PublicKey); err != nil {
		t.Errorf("ParsePublicKey(valid) error: %v", err)
	}
	if err := ParsePublicKey("not-a-valid-key"); err == nil {
		t.Error("ParsePublicKey(invalid) should return error")
	}
}

func TestParsePrivateKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	defer keypair.Close()

	if err := ParsePrivateKey(keypair.PrivateKey); err != nil {
		t.Errorf("ParsePrivateKey(valid) error: %v", err)
	}
}
