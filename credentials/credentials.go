/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package credentials fetches SIP identities from the credential-issuance
// service. The service returns one {sipUsername, sipPassword, sipExtension}
// triple per staff account; the password may be sealed as a compact JWE.
package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/tejzpr/sipua-go-sdk/calling"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// KeySize is the length of the dir+A256GCM sealing key.
const KeySize = 32

// Config holds the configuration for the credentials client
type Config struct {
	// SealingKey opens sealedPassword values. Optional when the service
	// returns plaintext passwords.
	SealingKey []byte
}

// DefaultConfig returns the default configuration for the credentials client
func DefaultConfig() *Config {
	return &Config{}
}

// Credentials is the identity triple issued for a staff account.
type Credentials struct {
	SIPUsername    string `json:"sipUsername"`
	SIPPassword    string `json:"sipPassword,omitempty"`
	SIPExtension   string `json:"sipExtension,omitempty"`
	// SealedPassword is a compact JWE of the password. Fetch opens it.
	SealedPassword string `json:"sealedPassword,omitempty"`
}

// SIPURI returns the address of record for the username on domain. A
// username that already carries a host part is used as is.
func (c *Credentials) SIPURI(domain string) string {
	user := strings.TrimPrefix(c.SIPUsername, "sip:")
	if strings.Contains(user, "@") || domain == "" {
		return "sip:" + user
	}
	return "sip:" + user + "@" + domain
}

// Registration converts the credentials into a registration request. The
// extension is used as display name when none is given.
func (c *Credentials) Registration(domain, displayName string) calling.Registration {
	if displayName == "" {
		displayName = c.SIPExtension
	}
	return calling.Registration{
		SIPURI:      c.SIPURI(domain),
		Password:    c.SIPPassword,
		DisplayName: displayName,
	}
}

// Client is the credential-issuance API client
type Client struct {
	rest   *sipsdk.Client
	config *Config
}

// New creates a new credentials client
func New(rest *sipsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		rest:   rest,
		config: config,
	}
}

// Fetch retrieves the SIP credentials of a staff account.
func (c *Client) Fetch(ctx context.Context, staffID string) (*Credentials, error) {
	if staffID == "" {
		return nil, fmt.Errorf("staff ID is required")
	}

	var creds Credentials
	path := "staff/" + url.PathEscape(staffID) + "/sip-credentials"
	if err := c.rest.GetJSON(ctx, path, nil, &creds); err != nil {
		return nil, err
	}
	if creds.SIPUsername == "" {
		return nil, fmt.Errorf("credentials for staff %s have no sipUsername", staffID)
	}

	if creds.SealedPassword != "" {
		if len(c.config.SealingKey) == 0 {
			return nil, fmt.Errorf("credentials for staff %s are sealed but no sealing key is configured", staffID)
		}
		password, err := Open(creds.SealedPassword, c.config.SealingKey)
		if err != nil {
			return nil, fmt.Errorf("error opening sealed password: %w", err)
		}
		creds.SIPPassword = password
		creds.SealedPassword = ""
	}
	if creds.SIPPassword == "" {
		return nil, fmt.Errorf("credentials for staff %s have no password", staffID)
	}

	return &creds, nil
}

// ParseKey decodes a base64url sealing key (padding optional).
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("error decoding sealing key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Seal encrypts a password using dir + A256GCM.
func Seal(password string, key []byte) (string, error) {
	recipient := jose.Recipient{
		Algorithm: jose.DIRECT,
		Key:       key,
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM, recipient, nil)
	if err != nil {
		return "", fmt.Errorf("error creating encrypter: %w", err)
	}

	jweObj, err := encrypter.Encrypt([]byte(password))
	if err != nil {
		return "", fmt.Errorf("error encrypting password: %w", err)
	}

	return jweObj.CompactSerialize()
}

// Open decrypts a password sealed with Seal.
func Open(sealed string, key []byte) (string, error) {
	jweObj, err := jose.ParseEncrypted(sealed,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return "", fmt.Errorf("error parsing JWE: %w", err)
	}

	plaintext, err := jweObj.Decrypt(key)
	if err != nil {
		return "", fmt.Errorf("error decrypting JWE: %w", err)
	}

	return string(plaintext), nil
}
