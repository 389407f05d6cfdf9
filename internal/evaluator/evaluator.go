// Package evaluator is the resource-server side of the authorization core: it
// validates inbound tokens and evaluates declarative policies before an
// operation is permitted. Evaluation is an explicit ordered pipeline of pure
// stages, each short-circuiting to a denial, so there is no hidden
// registration-order dependence.
package evaluator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/token"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
}

// RuleKind tags the policy rule variants.
type RuleKind int

const (
	// RuleClaimEquals requires a claim to equal a configured value.
	RuleClaimEquals RuleKind = iota
	// RuleRoleMember requires membership in a role.
	RuleRoleMember
	// RuleScopePresent requires a scope in the token's scope claim.
	RuleScopePresent
	// RuleOwnerMatch requires the token subject to own the target resource.
	RuleOwnerMatch
)

// Rule is a tagged-variant policy requirement evaluated generically by kind.
type Rule struct {
	Kind  RuleKind
	Claim string // RuleClaimEquals
	Value string // RuleClaimEquals
	Role  string // RuleRoleMember
	Scope string // RuleScopePresent
}

// ClaimEquals requires claim name to equal value.
func ClaimEquals(name, value string) Rule {
	return Rule{Kind: RuleClaimEquals, Claim: name, Value: value}
}

// RoleMember requires the role claim to contain role.
func RoleMember(role string) Rule {
	return Rule{Kind: RuleRoleMember, Role: role}
}

// ScopePresent requires scope in the token's granted scopes.
func ScopePresent(scope string) Rule {
	return Rule{Kind: RuleScopePresent, Scope: scope}
}

// OwnerMatch requires the token subject to own the resource the request
// targets.
func OwnerMatch() Rule {
	return Rule{Kind: RuleOwnerMatch}
}

// Policy is a named set of rules; all rules must pass.
type Policy struct {
	Name  string
	Rules []Rule
}

// ResourceStore resolves the owning subject of a resource instance for the
// ownership check. External collaborator; typically the resource database.
type ResourceStore interface {
	GetOwner(ctx context.Context, resourceID string) (string, error)
}

// Request describes one inbound resource-server call to authorize.
type Request struct {
	// Token is the raw bearer token.
	Token string
	// RequiredScope must be present in the token. Empty skips the stage.
	RequiredScope string
	// Policies are evaluated in order after the scope check.
	Policies []string
	// ResourceID identifies the target instance for ownership checks.
	ResourceID string
	// Operation is recorded in the audit log.
	Operation string
}

// Evaluator validates tokens through a codec, normalizes their claims and
// evaluates registered policies. Pure: no side effects beyond the audit log.
type Evaluator struct {
	codec     token.Codec
	mapper    *token.Mapper
	policies  map[string]Policy
	resources ResourceStore
	roleClaim string
}

// New builds an evaluator. mapper may be nil when no claim normalization is
// configured; resources may be nil when no policy uses ownership rules.
func New(codec token.Codec, mapper *token.Mapper, resources ResourceStore) *Evaluator {
	return &Evaluator{
		codec:     codec,
		mapper:    mapper,
		policies:  make(map[string]Policy),
		resources: resources,
		roleClaim: "role",
	}
}

// Register adds a named policy. Called at startup only.
func (e *Evaluator) Register(p Policy) {
	e.policies[p.Name] = p
}

// Authorize runs the pipeline: token validation, scope check, policy rules,
// ownership. The first failing stage denies the request with the specific
// error; policy and ownership failures surface ErrForbidden. On success the
// normalized claims are returned for the handler.
func (e *Evaluator) Authorize(ctx context.Context, req Request) (token.Claims, error) {
	claims, err := e.codec.Validate(ctx, req.Token)
	if err != nil {
		e.audit(req, "", false, err.Error())
		return nil, err
	}
	if e.mapper != nil {
		claims = e.mapper.Normalize(claims)
	}
	subject := claims.Subject()

	if req.RequiredScope != "" && !claims.HasScope(req.RequiredScope) {
		err := fmt.Errorf("%w: missing scope %s", models.ErrForbidden, req.RequiredScope)
		e.audit(req, subject, false, err.Error())
		return nil, err
	}

	for _, name := range req.Policies {
		p, ok := e.policies[name]
		if !ok {
			err := fmt.Errorf("%w: unknown policy %s", models.ErrForbidden, name)
			e.audit(req, subject, false, err.Error())
			return nil, err
		}
		if err := e.evaluate(ctx, p, claims, req.ResourceID); err != nil {
			e.audit(req, subject, false, fmt.Sprintf("policy %s: %v", name, err))
			return nil, err
		}
	}

	e.audit(req, subject, true, "")
	return claims, nil
}

func (e *Evaluator) evaluate(ctx context.Context, p Policy, claims token.Claims, resourceID string) error {
	for _, rule := range p.Rules {
		switch rule.Kind {
		case RuleClaimEquals:
			if claims.GetString(rule.Claim) != rule.Value {
				return fmt.Errorf("%w: claim %s mismatch", models.ErrForbidden, rule.Claim)
			}
		case RuleRoleMember:
			if !e.hasRole(claims, rule.Role) {
				return fmt.Errorf("%w: role %s required", models.ErrForbidden, rule.Role)
			}
		case RuleScopePresent:
			if !claims.HasScope(rule.Scope) {
				return fmt.Errorf("%w: scope %s required", models.ErrForbidden, rule.Scope)
			}
		case RuleOwnerMatch:
			if err := e.checkOwner(ctx, claims, resourceID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown rule kind", models.ErrForbidden)
		}
	}
	return nil
}

// checkOwner runs only after authentication succeeded; it denies with
// Forbidden on mismatch independently of any role or scope success.
func (e *Evaluator) checkOwner(ctx context.Context, claims token.Claims, resourceID string) error {
	if e.resources == nil || resourceID == "" {
		return fmt.Errorf("%w: ownership cannot be established", models.ErrForbidden)
	}
	owner, err := e.resources.GetOwner(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	if owner == "" || owner != claims.Subject() {
		return fmt.Errorf("%w: not the resource owner", models.ErrForbidden)
	}
	return nil
}

// hasRole accepts both a single string role claim and the array form.
func (e *Evaluator) hasRole(claims token.Claims, role string) bool {
	switch v := claims[e.roleClaim].(type) {
	case string:
		return v == role
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s == role {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == role {
				return true
			}
		}
	}
	return false
}

// audit writes one structured authorization decision line per request.
func (e *Evaluator) audit(req Request, subject string, allowed bool, reason string) {
	fields := logrus.Fields{
		"operation": req.Operation,
		"subject":   subject,
		"scope":     req.RequiredScope,
		"policies":  req.Policies,
		"allowed":   allowed,
	}
	if req.ResourceID != "" {
		fields["resource_id"] = req.ResourceID
	}
	if allowed {
		log.WithFields(fields).Info("Authorization decision")
		return
	}
	fields["reason"] = reason
	log.WithFields(fields).Warn("Authorization decision")
}
