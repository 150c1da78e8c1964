// Package service implements the authentication flows on top of the
// credential store, the password hasher, the OTP issuer and the token
// service.  Every failure leaving this package is a *Error.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/estate-auth/internal/metrics"
	"github.com/iliyamo/estate-auth/internal/model"
	"github.com/iliyamo/estate-auth/internal/queue"
	"github.com/iliyamo/estate-auth/internal/repository"
	"github.com/iliyamo/estate-auth/internal/utils"
)

// TokenPair is the access and refresh token issued on login.
type TokenPair struct {
	Access  utils.SignedToken `json:"access"`
	Refresh utils.SignedToken `json:"refresh"`
}

// Session is the result of every flow that logs an identity in.
type Session struct {
	Identity  model.PublicIdentity
	Tokens    TokenPair
	IsNewUser bool
}

// OTPSent is the result of issuing a code.  Code is empty unless the
// deployment exposes codes to the caller.
type OTPSent struct {
	Phone     string
	Code      string
	ExpiresAt time.Time
}

// Registration is the result of the idempotent register flow.
type Registration struct {
	Identity   model.PublicIdentity
	IsExisting bool
	IsNewUser  bool
}

type RegisterInput struct {
	Phone         string
	FullName      string
	Email         string
	PreferredCity string
}

type SignupInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Password  string
}

type ProfileInput struct {
	FirstName     string
	LastName      string
	Email         string
	PreferredCity string
}

// Deps bundles the collaborators of AuthService.  Denylist, Events and
// Metrics are optional.
type Deps struct {
	Store     CredentialStore
	Hasher    Hasher
	OTP       *OTPService
	Tokens    *utils.TokenService
	Denylist  Denylist
	Events    EventPublisher
	Metrics   *metrics.Metrics
	Log       logrus.FieldLogger
	ExposeOTP bool
}

// AuthService orchestrates the authentication flows.
type AuthService struct {
	store     CredentialStore
	hasher    Hasher
	otp       *OTPService
	tokens    *utils.TokenService
	deny      Denylist
	events    EventPublisher
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	now       func() time.Time
	exposeOTP bool
}

func NewAuthService(d Deps) *AuthService {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuthService{
		store:     d.Store,
		hasher:    d.Hasher,
		otp:       d.OTP,
		tokens:    d.Tokens,
		deny:      d.Denylist,
		events:    d.Events,
		metrics:   d.Metrics,
		log:       log.WithField("component", "auth"),
		now:       time.Now,
		exposeOTP: d.ExposeOTP,
	}
}

// WithClock replaces the time source, for tests.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Login authenticates with an email or phone plus password.  Unknown
// identifiers and wrong passwords are indistinguishable.
func (s *AuthService) Login(ctx context.Context, identifier, password string) (_ Session, err error) {
	defer s.observe("login", &err)

	// An identifier containing "@" is an email, anything else a phone.
	email, phone := splitIdentifier(identifier)
	id, err := s.store.FindByEmailOrPhone(ctx, email, phone)
	if errors.Is(err, repository.ErrNotFound) {
		// Unknown identifiers get the same error as a wrong password.
		return Session{}, newError(KindInvalidCredentials, msgInvalidCredentials)
	}
	if err != nil {
		return Session{}, storeError(err)
	}
	// OTP-only identities have no password to compare against.
	if !id.HasPassword() {
		return Session{}, newError(KindPasswordLoginUnavailable, msgPasswordUnset)
	}
	// Compare the supplied password with the stored bcrypt digest.
	if !s.hasher.Verify(password, id.PasswordHash) {
		return Session{}, newError(KindInvalidCredentials, msgInvalidCredentials)
	}
	// Suspension is only revealed once the password has been proven.
	if id.Status != model.StatusActive {
		return Session{}, newError(KindAccountSuspended, msgSuspended)
	}
	// Issue the access/refresh pair.
	sess, err := s.session(id)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventLoginSucceeded, IdentityID: id.ID, Role: string(id.Role), Method: "password"})
	return sess, nil
}

// SendOTP issues a login code, lazily creating the identity.
func (s *AuthService) SendOTP(ctx context.Context, phone string) (_ OTPSent, err error) {
	defer s.observe("otp_send", &err)

	// Issue stores the code on the identity, creating one for unknown phones.
	issued, err := s.otp.Issue(ctx, phone)
	if err != nil {
		return OTPSent{}, err
	}
	if issued.Created {
		s.publish(ctx, queue.AuthEvent{Type: queue.EventIdentityRegistered, IdentityID: issued.Identity.ID, Phone: phone, Method: "otp"})
	}
	// The SMS worker reads the code from this event.
	s.publish(ctx, queue.AuthEvent{Type: queue.EventOTPIssued, IdentityID: issued.Identity.ID, Phone: phone, Purpose: queue.PurposeLogin, Code: issued.Code})
	// The response only carries the code when exposure is configured.
	return s.sent(phone, issued), nil
}

// VerifyOTP consumes a login code and opens a session.
func (s *AuthService) VerifyOTP(ctx context.Context, phone, code string) (_ Session, err error) {
	defer s.observe("otp_verify", &err)

	// Verify clears the code atomically; a second use fails.
	id, err := s.otp.Verify(ctx, phone, code)
	if err != nil {
		return Session{}, err
	}
	// A valid code does not reopen a suspended account.
	if id.Status != model.StatusActive {
		return Session{}, newError(KindAccountSuspended, msgSuspended)
	}
	// The session flags isNewUser until the profile has an email.
	sess, err := s.session(id)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventLoginSucceeded, IdentityID: id.ID, Role: string(id.Role), Method: "otp"})
	return sess, nil
}

// Register creates a user identity for phone.  Registering a phone that is
// already known returns the existing identity.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (_ Registration, err error) {
	defer s.observe("register", &err)

	// A known phone returns the stored identity unchanged.
	existing, err := s.store.FindByPhone(ctx, in.Phone)
	switch {
	case err == nil:
		return Registration{Identity: existing.Sanitized(), IsExisting: true, IsNewUser: existing.IsNewUser()}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Registration{}, storeError(err)
	}

	// "Sara Ahmadi Karimi" -> first "Sara", last "Ahmadi Karimi".
	first, last := splitFullName(in.FullName)
	id := model.Identity{
		Phone:         in.Phone,
		Email:         in.Email,
		FirstName:     first,
		LastName:      last,
		PreferredCity: in.PreferredCity,
		Role:          model.RoleUser,
		Status:        model.StatusActive,
	}
	if err := s.store.Create(ctx, &id); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return Registration{}, storeError(err)
		}
		// a concurrent registration won the phone, or the email is taken
		existing, ferr := s.store.FindByPhone(ctx, in.Phone)
		if ferr != nil {
			return Registration{}, newError(KindConflict, msgConflict)
		}
		return Registration{Identity: existing.Sanitized(), IsExisting: true, IsNewUser: existing.IsNewUser()}, nil
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventIdentityRegistered, IdentityID: id.ID, Phone: id.Phone, Method: "register"})
	return Registration{Identity: id.Sanitized(), IsNewUser: id.IsNewUser()}, nil
}

// Signup creates an identity with an optional password and logs it in.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (_ Session, err error) {
	defer s.observe("signup", &err)

	// Either the email or the phone being taken is a conflict.
	_, err = s.store.FindByEmailOrPhone(ctx, in.Email, in.Phone)
	switch {
	case err == nil:
		return Session{}, newError(KindConflict, msgConflict)
	case !errors.Is(err, repository.ErrNotFound):
		return Session{}, storeError(err)
	}

	id := model.Identity{
		Phone:     in.Phone,
		Email:     in.Email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Role:      model.RoleUser,
		Status:    model.StatusActive,
	}
	// The password is optional; without one the identity logs in by OTP.
	if in.Password != "" {
		if id.PasswordHash, err = s.hash(in.Password); err != nil {
			return Session{}, err
		}
	}
	// Create still reports a conflict if a concurrent signup won the race.
	if err := s.store.Create(ctx, &id); err != nil {
		return Session{}, storeError(err)
	}
	sess, err := s.session(id)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventIdentityRegistered, IdentityID: id.ID, Phone: id.Phone, Method: "signup"})
	return sess, nil
}

// ForgotPassword issues a reset code for an existing identity.
func (s *AuthService) ForgotPassword(ctx context.Context, phone string) (_ OTPSent, err error) {
	defer s.observe("password_forgot", &err)

	// Unlike SendOTP, unknown phones are not registered here.
	issued, err := s.otp.IssueExisting(ctx, phone)
	if err != nil {
		return OTPSent{}, err
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventOTPIssued, IdentityID: issued.Identity.ID, Phone: phone, Purpose: queue.PurposeReset, Code: issued.Code})
	return s.sent(phone, issued), nil
}

// ResetPassword consumes a reset code and sets a new password.
func (s *AuthService) ResetPassword(ctx context.Context, phone, code, newPassword string) (err error) {
	defer s.observe("password_reset", &err)

	// everything that can fail without touching the store runs before the
	// code is consumed, so a rejected reset leaves the code usable
	if !credentialsWritable(s.store) {
		return newError(KindStoreUnavailable, msgStoreUnavailable)
	}
	digest, err := s.hash(newPassword)
	if err != nil {
		return err
	}

	id, err := s.otp.Verify(ctx, phone, code)
	if err != nil {
		return err
	}
	id.PasswordHash = digest
	// a failed save after this point costs the caller a new code
	if err := s.store.Save(ctx, id); err != nil {
		return storeError(err)
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventPasswordReset, IdentityID: id.ID, Method: "otp"})
	return nil
}

// Refresh mints a new access token from a refresh token.  The role is read
// from the store, never from the refresh token.
func (s *AuthService) Refresh(ctx context.Context, raw string) (_ utils.SignedToken, err error) {
	defer s.observe("refresh", &err)

	// No token in header, cookie or body.
	if raw == "" {
		return utils.SignedToken{}, newError(KindUnauthorized, msgUnauthorized)
	}
	// Verify with the refresh secret; access tokens fail here.
	claims, err := s.tokens.Verify(raw, utils.KindRefresh)
	if err != nil {
		return utils.SignedToken{}, tokenError(err)
	}
	if err := s.checkRevoked(ctx, claims.ID); err != nil {
		return utils.SignedToken{}, err
	}
	// Verify already checked the subject parses.
	uid, _ := claims.IdentityID()
	id, err := s.store.FindByID(ctx, uid)
	if errors.Is(err, repository.ErrNotFound) {
		return utils.SignedToken{}, newError(KindInvalidToken, msgInvalidToken)
	}
	if err != nil {
		return utils.SignedToken{}, storeError(err)
	}
	if id.Status != model.StatusActive {
		return utils.SignedToken{}, newError(KindAccountSuspended, msgSuspended)
	}
	// The refresh token itself is not rotated.
	access, err := s.tokens.NewAccessToken(id.Principal())
	if err != nil {
		return utils.SignedToken{}, wrapError(KindInternal, msgInternal, err)
	}
	return access, nil
}

// AdminLogin authenticates an admin or super_admin by email and password and
// records the login time.
func (s *AuthService) AdminLogin(ctx context.Context, email, password string) (_ Session, err error) {
	defer s.observe("admin_login", &err)

	id, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, newError(KindInvalidCredentials, msgInvalidCredentials)
	}
	if err != nil {
		return Session{}, storeError(err)
	}
	// Non-admins get the same answer as a wrong password.  An empty digest
	// never verifies.
	if !id.Role.IsAdmin() || !s.hasher.Verify(password, id.PasswordHash) {
		return Session{}, newError(KindInvalidCredentials, msgInvalidCredentials)
	}
	if id.Status != model.StatusActive {
		return Session{}, newError(KindAccountSuspended, msgSuspended)
	}
	// Record the login time before issuing tokens.
	now := s.now().UTC()
	id.LastLogin = &now
	if err := s.store.Save(ctx, id); err != nil {
		return Session{}, storeError(err)
	}
	sess, err := s.session(id)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, queue.AuthEvent{Type: queue.EventLoginSucceeded, IdentityID: id.ID, Role: string(id.Role), Method: "admin"})
	return sess, nil
}

// ChangePassword sets a new password for the caller.  The current password
// is only checked when one is already set.
func (s *AuthService) ChangePassword(ctx context.Context, p model.Principal, current, newPassword string) (err error) {
	defer s.observe("password_change", &err)

	id, err := s.current(ctx, p)
	if err != nil {
		return err
	}
	// OTP-only identities set their first password without a current one.
	if id.HasPassword() && !s.hasher.Verify(current, id.PasswordHash) {
		return newError(KindInvalidCredentials, msgInvalidCredentials)
	}
	if id.PasswordHash, err = s.hash(newPassword); err != nil {
		return err
	}
	if err := s.store.Save(ctx, id); err != nil {
		return storeError(err)
	}
	return nil
}

// Me returns the caller's identity after re-checking its status.
func (s *AuthService) Me(ctx context.Context, p model.Principal) (model.PublicIdentity, error) {
	id, err := s.current(ctx, p)
	if err != nil {
		return model.PublicIdentity{}, err
	}
	return id.Sanitized(), nil
}

// CompleteProfile updates the caller's profile.  Empty fields are left
// unchanged.  Setting an email ends the "new user" state.
func (s *AuthService) CompleteProfile(ctx context.Context, p model.Principal, in ProfileInput) (_ model.PublicIdentity, err error) {
	defer s.observe("profile", &err)

	id, err := s.current(ctx, p)
	if err != nil {
		return model.PublicIdentity{}, err
	}
	// Only look the email up when it actually changes.
	if email := repository.NormalizeEmail(in.Email); email != "" && email != id.Email {
		other, ferr := s.store.FindByEmail(ctx, email)
		switch {
		case ferr == nil && other.ID != id.ID:
			return model.PublicIdentity{}, newError(KindConflict, msgConflict)
		case ferr != nil && !errors.Is(ferr, repository.ErrNotFound):
			return model.PublicIdentity{}, storeError(ferr)
		}
		id.Email = email
	}
	// Blank fields keep their stored values.
	if v := strings.TrimSpace(in.FirstName); v != "" {
		id.FirstName = v
	}
	if v := strings.TrimSpace(in.LastName); v != "" {
		id.LastName = v
	}
	if v := strings.TrimSpace(in.PreferredCity); v != "" {
		id.PreferredCity = v
	}
	if err := s.store.Save(ctx, id); err != nil {
		return model.PublicIdentity{}, storeError(err)
	}
	return id.Sanitized(), nil
}

// SetStatus changes the status of another identity.  Only super admins may
// call it and never on themselves.
func (s *AuthService) SetStatus(ctx context.Context, actor model.Principal, targetID uint64, status model.Status) (_ model.PublicIdentity, err error) {
	defer s.observe("set_status", &err)

	if actor.Role != model.RoleSuperAdmin || actor.ID == targetID || !status.Valid() {
		return model.PublicIdentity{}, newError(KindForbidden, msgForbidden)
	}
	id, err := s.store.FindByID(ctx, targetID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.PublicIdentity{}, newError(KindNotFound, msgNotFound)
	}
	if err != nil {
		return model.PublicIdentity{}, storeError(err)
	}
	// Saving and publishing only happen on an actual change.
	if id.Status != status {
		id.Status = status
		if err := s.store.Save(ctx, id); err != nil {
			return model.PublicIdentity{}, storeError(err)
		}
		s.publish(ctx, queue.AuthEvent{Type: queue.EventStatusChanged, IdentityID: id.ID, Status: string(status), ActorID: actor.ID})
	}
	return id.Sanitized(), nil
}

// Logout revokes the caller's access token and, when given, its refresh
// token.  Without a denylist tokens stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, p model.Principal, refreshRaw string) (err error) {
	defer s.observe("logout", &err)

	if s.deny == nil {
		s.log.WithField("identity_id", p.ID).Debug("logout without denylist; tokens expire naturally")
		return nil
	}
	// check the refresh token before revoking anything so a rejected logout
	// leaves the session intact; an unverifiable one has nothing to revoke
	var refresh *utils.Claims
	if refreshRaw != "" {
		if claims, verr := s.tokens.Verify(refreshRaw, utils.KindRefresh); verr == nil {
			if uid, _ := claims.IdentityID(); uid != p.ID {
				return newError(KindForbidden, msgForbidden)
			}
			refresh = claims
		}
	}

	if err := s.deny.Revoke(ctx, p.JTI, p.Until); err != nil {
		return storeError(err)
	}
	if refresh == nil {
		return nil
	}
	if err := s.deny.Revoke(ctx, refresh.ID, refresh.ExpiresAt.Time); err != nil {
		return storeError(err)
	}
	return nil
}

// checkRevoked reports InvalidToken when jti is on the denylist.
func (s *AuthService) checkRevoked(ctx context.Context, jti string) error {
	if s.deny == nil {
		return nil
	}
	revoked, err := s.deny.IsRevoked(ctx, jti)
	if err != nil {
		return storeError(err)
	}
	if revoked {
		return newError(KindInvalidToken, msgInvalidToken)
	}
	return nil
}

// current loads the principal's identity and rejects inactive accounts.
func (s *AuthService) current(ctx context.Context, p model.Principal) (model.Identity, error) {
	id, err := s.store.FindByID(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Identity{}, newError(KindUnauthorized, msgUnauthorized)
	}
	if err != nil {
		return model.Identity{}, storeError(err)
	}
	if id.Status != model.StatusActive {
		return model.Identity{}, newError(KindAccountSuspended, msgSuspended)
	}
	return id, nil
}

func (s *AuthService) session(id model.Identity) (Session, error) {
	access, err := s.tokens.NewAccessToken(id.Principal())
	if err != nil {
		return Session{}, wrapError(KindInternal, msgInternal, err)
	}
	refresh, err := s.tokens.NewRefreshToken(id.ID)
	if err != nil {
		return Session{}, wrapError(KindInternal, msgInternal, err)
	}
	return Session{
		Identity:  id.Sanitized(),
		Tokens:    TokenPair{Access: access, Refresh: refresh},
		IsNewUser: id.IsNewUser(),
	}, nil
}

func (s *AuthService) sent(phone string, issued IssuedOTP) OTPSent {
	out := OTPSent{Phone: phone, ExpiresAt: issued.ExpiresAt}
	if s.exposeOTP {
		out.Code = issued.Code
	}
	return out
}

func (s *AuthService) hash(plain string) (string, error) {
	digest, err := s.hasher.Hash(plain)
	if err != nil {
		return "", wrapError(KindInternal, msgInternal, err)
	}
	return digest, nil
}

// publish forwards ev to the broker.  Failures are logged by the publisher
// and never fail the flow.
func (s *AuthService) publish(ctx context.Context, ev queue.AuthEvent) {
	if s.events == nil {
		return
	}
	if ev.OccurredAt == "" {
		ev.OccurredAt = s.now().UTC().Format(time.RFC3339)
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Warn("auth event dropped")
	}
}

// observe logs and counts the outcome of a flow.
func (s *AuthService) observe(flow string, errp *error) {
	outcome := metrics.OutcomeOK
	if err := *errp; err != nil {
		kind := KindOf(err)
		outcome = string(kind)
		entry := s.log.WithFields(logrus.Fields{"flow": flow, "kind": kind})
		if kind == KindInternal || kind == KindStoreUnavailable {
			entry.WithError(err).Error("flow failed")
		} else {
			entry.WithError(err).Info("flow rejected")
		}
	}
	s.metrics.ObserveFlow(flow, outcome)
}

// tokenError tags a token verification failure.  The kinds stay distinct
// here; the guard collapses them.
func tokenError(err error) *Error {
	if errors.Is(err, utils.ErrTokenExpired) {
		return wrapError(KindTokenExpired, msgTokenExpired, err)
	}
	return wrapError(KindInvalidToken, msgInvalidToken, err)
}

func splitIdentifier(identifier string) (email, phone string) {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return identifier, ""
	}
	return "", identifier
}

// splitFullName puts the first word into the first name and the rest into
// the last name.
func splitFullName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
