package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/mytestdev/gallery-auth/internal/models"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// Client is a registered client application. Immutable after load.
type Client struct {
	ID                     string   `yaml:"id"`
	Name                   string   `yaml:"name"`
	SecretHash             string   `yaml:"secret_hash"` // bcrypt hash of the client secret
	GrantTypes             []string `yaml:"grant_types"`
	AllowedScopes          []string `yaml:"allowed_scopes"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	RequireConsent         bool     `yaml:"require_consent"`
}

// ScopeAllowed reports whether the client may request the given scope.
func (c *Client) ScopeAllowed(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RedirectURIAllowed reports whether the URI exactly matches a registered one.
func (c *Client) RedirectURIAllowed(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// IdentityResource exposes a set of user claims when its scope is granted
// (e.g. "profile" -> given_name, family_name).
type IdentityResource struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Claims      []string `yaml:"claims"`
}

// APIResource is a protected API. Its name becomes the token audience for any
// of its scopes; its claim set is embedded in access tokens.
type APIResource struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Claims      []string `yaml:"claims"`
	Scopes      []string `yaml:"scopes"`
}

// APIScope is a named permission grantable for an API resource.
type APIScope struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
}

// Config is the static provider configuration: clients, scopes and resources.
// Loaded once at process start and treated as immutable for the process
// lifetime.
type Config struct {
	IdentityResources []IdentityResource `yaml:"identity_resources"`
	APIResources      []APIResource      `yaml:"api_resources"`
	APIScopes         []APIScope         `yaml:"api_scopes"`
	Clients           []Client           `yaml:"clients"`
}

// Store answers scope and client questions over the closed configuration set.
// All lookups are read-only, so a Store is safe for concurrent use.
type Store struct {
	clients           map[string]*Client
	identityResources map[string]*IdentityResource
	apiResources      map[string]*APIResource
	knownScopes       map[string]bool
}

// NewStore builds the lookup tables from a provider configuration.
func NewStore(cfg *Config) (*Store, error) {
	s := &Store{
		clients:           make(map[string]*Client),
		identityResources: make(map[string]*IdentityResource),
		apiResources:      make(map[string]*APIResource),
		knownScopes:       make(map[string]bool),
	}

	for i := range cfg.IdentityResources {
		ir := &cfg.IdentityResources[i]
		s.identityResources[ir.Name] = ir
		s.knownScopes[ir.Name] = true
	}
	for i := range cfg.APIResources {
		ar := &cfg.APIResources[i]
		s.apiResources[ar.Name] = ar
	}
	for _, sc := range cfg.APIScopes {
		s.knownScopes[sc.Name] = true
	}
	// offline_access is the standard scope requesting a refresh token
	s.knownScopes["offline_access"] = true

	for i := range cfg.Clients {
		cl := &cfg.Clients[i]
		if cl.ID == "" {
			return nil, fmt.Errorf("client at index %d has no id", i)
		}
		if _, dup := s.clients[cl.ID]; dup {
			return nil, fmt.Errorf("duplicate client id: %s", cl.ID)
		}
		for _, sc := range cl.AllowedScopes {
			if !s.knownScopes[sc] {
				return nil, fmt.Errorf("client %s allows undefined scope %q", cl.ID, sc)
			}
		}
		s.clients[cl.ID] = cl
	}

	log.WithFields(logrus.Fields{
		"clients":            len(s.clients),
		"identity_resources": len(s.identityResources),
		"api_resources":      len(s.apiResources),
		"scopes":             len(s.knownScopes),
	}).Info("Provider configuration loaded")

	return s, nil
}

// Load reads a provider configuration file (YAML) and builds a Store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}
	return NewStore(&cfg)
}

// ClientByID returns the registered client or ErrInvalidClient.
func (s *Store) ClientByID(id string) (*Client, error) {
	cl, ok := s.clients[id]
	if !ok {
		return nil, models.ErrInvalidClient
	}
	return cl, nil
}

// AuthenticateClient verifies the client secret against the stored bcrypt
// hash. Returns ErrInvalidClient for unknown clients and bad secrets alike so
// callers cannot distinguish the two.
func (s *Store) AuthenticateClient(id, secret string) (*Client, error) {
	cl, ok := s.clients[id]
	if !ok {
		return nil, models.ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cl.SecretHash), []byte(secret)); err != nil {
		return nil, models.ErrInvalidClient
	}
	return cl, nil
}

// ResolveScopes intersects the requested scopes with the client's allowed set.
// A scope that does not exist at all fails the whole request with
// ErrInvalidScope; a scope that exists but is not allowed for this client is
// silently dropped. The result never contains a scope outside the client's
// allowed set.
func (s *Store) ResolveScopes(requested []string, client *Client) ([]string, error) {
	granted := make([]string, 0, len(requested))
	for _, sc := range requested {
		if sc == "" {
			continue
		}
		if !s.knownScopes[sc] {
			return nil, fmt.Errorf("%w: %s", models.ErrInvalidScope, sc)
		}
		if client.ScopeAllowed(sc) {
			granted = append(granted, sc)
		}
	}
	return granted, nil
}

// ClaimsForScopes returns the claim names exposed by the identity and API
// resources behind the granted scopes, deduplicated, order-preserving.
func (s *Store) ClaimsForScopes(scopes []string) []string {
	seen := make(map[string]bool)
	var claims []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				claims = append(claims, n)
			}
		}
	}
	for _, sc := range scopes {
		if ir, ok := s.identityResources[sc]; ok {
			add(ir.Claims)
		}
	}
	for _, ar := range s.apiResources {
		for _, sc := range scopes {
			if containsString(ar.Scopes, sc) {
				add(ar.Claims)
				break
			}
		}
	}
	return claims
}

// AudiencesForScopes returns the API resource names whose scopes intersect the
// granted set; these become the access token's audience.
func (s *Store) AudiencesForScopes(scopes []string) []string {
	var auds []string
	for name, ar := range s.apiResources {
		for _, sc := range scopes {
			if containsString(ar.Scopes, sc) {
				auds = append(auds, name)
				break
			}
		}
	}
	return auds
}

// HashSecret produces the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// JoinScopes renders a scope list as the space-separated wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes parses the space-separated wire form, dropping empty entries.
func SplitScopes(s string) []string {
	return strings.Fields(s)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
