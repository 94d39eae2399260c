package service

import (
	"github.com/sandeepkv93/execgate/internal/security"
)

const (
	EffectAllow = "Allow"
	EffectDeny  = "Deny"

	policyVersion = "2012-10-17"
	invokeAction  = "execute-api:Invoke"

	ContextAuthorizationError         = "authorization_error"
	ContextAuthorizationErrorCode     = "authorization_error_code"
	ContextAuthorizationWarning       = "authorization_warning"
	ContextAuthorizationWarningDetail = "authorization_warning_detail"
	ContextConnectivityTest           = "connectivityTest"
)

// Policy is the authorizer response handed to the transport layer.
type Policy struct {
	PrincipalID    string          `json:"principalId,omitempty"`
	PolicyDocument *PolicyDocument `json:"policyDocument,omitempty"`
	Context        map[string]any  `json:"context,omitempty"`
}

type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

type PolicyStatement struct {
	Action   string `json:"Action"`
	Effect   string `json:"Effect"`
	Resource string `json:"Resource"`
}

func (p Policy) Effect() string {
	if p.PolicyDocument == nil || len(p.PolicyDocument.Statement) == 0 {
		return EffectDeny
	}
	return p.PolicyDocument.Statement[0].Effect
}

func (p Policy) Allowed() bool { return p.Effect() == EffectAllow }

func newPolicy(principalID, effect, resource string, context map[string]any) Policy {
	p := Policy{PrincipalID: principalID, Context: context}
	if effect != "" && resource != "" {
		p.PolicyDocument = &PolicyDocument{
			Version: policyVersion,
			Statement: []PolicyStatement{{
				Action:   invokeAction,
				Effect:   effect,
				Resource: resource,
			}},
		}
	}
	return p
}

// AllowPolicy admits the caller and forwards its claims, plus extra, as context.
func AllowPolicy(resource string, claims *security.SessionClaims, extra map[string]any) Policy {
	ctx := make(map[string]any, len(claims.Raw)+len(extra))
	for k, v := range claims.Raw {
		ctx[k] = v
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return newPolicy(PrincipalIDFor(claims), EffectAllow, resource, ctx)
}

func DenyPolicy(resource string) Policy {
	return newPolicy("", EffectDeny, resource, nil)
}

func ConnectivityTestPolicy(resource string) Policy {
	return newPolicy(ContextConnectivityTest, EffectAllow, resource, map[string]any{ContextConnectivityTest: true})
}

// PrincipalIDFor renders the transport principal as issuer/user.
func PrincipalIDFor(claims *security.SessionClaims) string {
	return claims.Issuer + "/" + claims.UserID
}
