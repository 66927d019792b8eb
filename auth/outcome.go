package auth

import (
	"strings"

	"github.com/google/uuid"

	"cdcgateway/store"
)

// Session id prefixes keep the two flows in separate namespaces even when
// they share one SessionStore.
const (
	CodeSessionPrefix   = "cdc_"
	BearerSessionPrefix = "jwt_"
)

// AuthOutcome is a successful login: either a CodeFlowSession or a
// BearerFlowSession. Both wrap the same store.Session entity.
type AuthOutcome interface {
	Session() store.Session
	isAuthOutcome()
}

// CodeFlowSession is produced by the provider callback.
type CodeFlowSession struct {
	Sess       store.Session
	ReturnPath string
}

func (o CodeFlowSession) Session() store.Session { return o.Sess }
func (CodeFlowSession) isAuthOutcome()           {}

// BearerFlowSession is produced by a direct assertion login.
type BearerFlowSession struct {
	Sess store.Session
}

func (o BearerFlowSession) Session() store.Session { return o.Sess }
func (BearerFlowSession) isAuthOutcome()           {}

// User is the public view of a session's identity.
type User struct {
	Subject     string `json:"sub"`
	UID         string `json:"uid,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
}

// UserFromSession projects the identity fields of a session.
func UserFromSession(s store.Session) User {
	return User{
		Subject:     s.SubjectID,
		UID:         s.ExternalUID,
		Email:       s.Email,
		DisplayName: s.DisplayName,
	}
}

func newSessionID(prefix string) string {
	return prefix + uuid.NewString()
}

func inNamespace(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) > len(prefix)
}
