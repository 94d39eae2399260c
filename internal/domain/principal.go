package domain

import "strings"

type PrincipalKind string

const (
	PrincipalUser      PrincipalKind = "user"
	PrincipalClassroom PrincipalKind = "classroom"
)

// Principal is a rate-limited subject: a user, or the classroom owned by one
// verified teacher. Namespace is the token issuer and keeps environments apart.
type Principal struct {
	Kind      PrincipalKind
	Namespace string
	ID        string
}

func UserPrincipal(namespace, userID string) Principal {
	return Principal{Kind: PrincipalUser, Namespace: namespace, ID: userID}
}

func ClassroomPrincipal(namespace, teacherID string) Principal {
	return Principal{Kind: PrincipalClassroom, Namespace: namespace, ID: teacherID}
}

// UsageKey identifies the principal in a usage log.
func (p Principal) UsageKey() string {
	return p.Namespace + "#" + p.ID
}

// BlockKey identifies the principal in the block registry, which holds both
// kinds in one keyspace.
func (p Principal) BlockKey() string {
	if p.Kind == PrincipalClassroom {
		return p.Namespace + "#sectionOwnerId#" + p.ID
	}
	return p.Namespace + "#userId#" + p.ID
}

// ClassroomPrincipals expands a comma-separated verified_teachers claim.
// Blank and duplicate entries are dropped.
func ClassroomPrincipals(namespace, verifiedTeachers string) []Principal {
	seen := make(map[string]struct{})
	var out []Principal
	for _, raw := range strings.Split(verifiedTeachers, ",") {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, ClassroomPrincipal(namespace, id))
	}
	return out
}
