package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ProviderTag identifies which identity backend and account class
// authenticated the current session.
type ProviderTag string

const (
	TagExternal  ProviderTag = "external"
	TagBaaSUser  ProviderTag = "baas-user"
	TagBaaSAdmin ProviderTag = "baas-admin"
)

// AccountClass selects the BaaS account collection used for password login.
type AccountClass string

const (
	AccountUser  AccountClass = "user"
	AccountAdmin AccountClass = "admin"
)

// Tag maps the account class onto its provider tag.
func (c AccountClass) Tag() ProviderTag {
	if c == AccountAdmin {
		return TagBaaSAdmin
	}
	return TagBaaSUser
}

// UserType is the short label stored in the durable user-type slot.
func (t ProviderTag) UserType() string {
	switch t {
	case TagBaaSAdmin:
		return string(AccountAdmin)
	case TagBaaSUser:
		return string(AccountUser)
	default:
		return string(t)
	}
}

// ParseUserType is the inverse of ProviderTag.UserType.
func ParseUserType(v string) (ProviderTag, bool) {
	switch v {
	case string(AccountUser):
		return TagBaaSUser, true
	case string(AccountAdmin):
		return TagBaaSAdmin, true
	case string(TagExternal):
		return TagExternal, true
	default:
		return "", false
	}
}

// RawClaims are provider-supplied claims, either decoded from a bearer token
// or returned by a user-info call.
type RawClaims map[string]any

// Subject returns the subject identifier, falling back to the BaaS "id" claim.
func (c RawClaims) Subject() string {
	if sub, ok := c["sub"].(string); ok && sub != "" {
		return sub
	}
	id, _ := c["id"].(string)
	return id
}

// Roles returns the string entries of the "roles" claim and whether the
// claim held a non-empty array.
func (c RawClaims) Roles() ([]string, bool) {
	raw, ok := c["roles"]
	if !ok {
		return nil, false
	}
	var roles []string
	switch v := raw.(type) {
	case []string:
		roles = slices.Clone(v)
	case []any:
		roles = make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
	default:
		return nil, false
	}
	return roles, len(roles) > 0
}

// UserRecord is the identity provider's account object. Fields the provider
// sends beyond the known ones are kept in Extra so the record is stored
// verbatim.
type UserRecord struct {
	ID    string         `mapstructure:"id"`
	Name  string         `mapstructure:"name"`
	Email string         `mapstructure:"email"`
	Role  *int           `mapstructure:"role"`
	Roles []string       `mapstructure:"roles"`
	Extra map[string]any `mapstructure:",remain"`
}

// ParseUserRecord decodes a JSON object into a UserRecord.
func ParseUserRecord(b []byte) (UserRecord, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return UserRecord{}, fmt.Errorf("parse user record: %w", err)
	}
	if m == nil {
		return UserRecord{}, errors.New("parse user record: not an object")
	}
	return userRecordFromMap(m)
}

func userRecordFromMap(m map[string]any) (UserRecord, error) {
	var rec UserRecord
	if err := weakDecode(m, &rec); err != nil {
		return UserRecord{}, fmt.Errorf("decode user record: %w", err)
	}
	// Known keys sent as null or "" decode to zero values that Map leaves
	// out; keep them in Extra so the record round-trips unchanged.
	for _, k := range userRecordKeys {
		if v, ok := m[k]; ok && (v == nil || v == "") {
			if rec.Extra == nil {
				rec.Extra = make(map[string]any)
			}
			rec.Extra[k] = v
		}
	}
	return rec, nil
}

var userRecordKeys = []string{"id", "name", "email", "role", "roles"}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserRecord) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	rec, err := ParseUserRecord(b)
	if err != nil {
		return err
	}
	*u = rec
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u UserRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Map())
}

// Map flattens the record back into its wire shape. Unset fields are left
// out rather than written as empty strings.
func (u UserRecord) Map() map[string]any {
	out := make(map[string]any, len(u.Extra)+5)
	maps.Copy(out, u.Extra)
	if u.ID != "" {
		out["id"] = u.ID
	}
	if u.Name != "" {
		out["name"] = u.Name
	}
	if u.Email != "" {
		out["email"] = u.Email
	}
	if u.Role != nil {
		out["role"] = *u.Role
	}
	if u.Roles != nil {
		out["roles"] = slices.Clone(u.Roles)
	}
	return out
}

// CompositeClaims is the merge of provider claims, user attributes and
// resolved roles carried inside the local session token. Roles is never nil.
type CompositeClaims struct {
	Roles    []string
	Name     string
	Email    string
	Role     *int
	IssuedAt time.Time
	// Extra holds the provider claims not overlaid by the merge.
	Extra RawClaims
}

// Subject returns the provider subject embedded in the claims.
func (c CompositeClaims) Subject() string {
	return c.Extra.Subject()
}

// Map renders the claims as the token payload.
func (c CompositeClaims) Map() map[string]any {
	out := make(map[string]any, len(c.Extra)+5)
	maps.Copy(out, c.Extra)
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	out[claimRoles] = slices.Clone(roles)
	out[claimName] = c.Name
	out[claimEmail] = c.Email
	if c.Role != nil {
		out[claimRole] = *c.Role
	}
	out[claimIssuedAt] = c.IssuedAt.Unix()
	return out
}

const (
	claimRoles    = "roles"
	claimName     = "name"
	claimEmail    = "email"
	claimRole     = "role"
	claimIssuedAt = "iat"
)

// compositePayload mirrors CompositeClaims.Map for decoding.
type compositePayload struct {
	Roles    []string       `mapstructure:"roles"`
	Name     string         `mapstructure:"name"`
	Email    string         `mapstructure:"email"`
	Role     *int           `mapstructure:"role"`
	IssuedAt int64          `mapstructure:"iat"`
	Extra    map[string]any `mapstructure:",remain"`
}

func compositeFromMap(m map[string]any) (CompositeClaims, error) {
	var p compositePayload
	if err := weakDecode(m, &p); err != nil {
		return CompositeClaims{}, err
	}
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	var issued time.Time
	if p.IssuedAt != 0 {
		issued = time.Unix(p.IssuedAt, 0)
	}
	extra := RawClaims(p.Extra)
	if extra == nil {
		extra = RawClaims{}
	}
	return CompositeClaims{
		Roles:    roles,
		Name:     p.Name,
		Email:    p.Email,
		Role:     p.Role,
		IssuedAt: issued,
		Extra:    extra,
	}, nil
}

func weakDecode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// Record is the durable session: the provider's original bearer token, the
// composite token, the raw user record and the provider tag.
type Record struct {
	ProviderToken  string
	CompositeToken string
	User           UserRecord
	Tag            ProviderTag
}
