package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"gigescrow/apperr"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthenticated, "invalid_credentials", "auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = apperr.New(apperr.KindValidation, "weak_password", "auth: password must be at least 8 characters")
	// ErrInvalidToken signals a missing, expired or tampered bearer token.
	ErrInvalidToken = apperr.New(apperr.KindUnauthenticated, "invalid_token", "auth: invalid token")
	// ErrRoleNotAssignable signals a self-registration attempt for a staff role.
	ErrRoleNotAssignable = apperr.New(apperr.KindForbidden, "role_not_assignable", "auth: role cannot be self-assigned")

	errMissingFields = apperr.New(apperr.KindValidation, "missing_fields", "auth: email and full_name are required")
	errInvalidRole   = apperr.New(apperr.KindValidation, "invalid_role", "auth: invalid role")
	errInvalidTier   = apperr.New(apperr.KindValidation, "invalid_tier", "auth: invalid tier")
)

const defaultTokenTTL = 24 * time.Hour

// Service handles registration, login and bearer-token verification.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTokenTTL,
		now:       time.Now,
	}
}

func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new client or consultant account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, errMissingFields
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleClient
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w %q", errInvalidRole, role)
	}
	if role == RoleAdmin || role == RoleAgent {
		return nil, ErrRoleNotAssignable
	}

	tier := strings.TrimSpace(req.Tier)
	if tier == "" {
		tier = "standard"
	}
	switch tier {
	case "standard", "premium", "enterprise":
	default:
		return nil, fmt.Errorf("%w %q", errInvalidTier, tier)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(passwordHash),
		Role:         role,
		Tier:         tier,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(Caller{UserID: user.ID, Role: user.Role})
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// IssueToken signs an HS256 token for caller.
func (s *Service) IssueToken(caller Caller) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": caller.UserID,
		"role":    string(caller.Role),
		"exp":     now.Add(s.tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token and returns the caller it identifies.
func (s *Service) VerifyToken(tokenString string) (Caller, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Caller{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Caller{}, fmt.Errorf("%w: user_id claim", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Caller{}, fmt.Errorf("%w: role claim", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Caller{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return Caller{UserID: userID, Role: role}, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleClient, RoleConsultant, RoleAgent, RoleAdmin:
		return true
	default:
		return false
	}
}
