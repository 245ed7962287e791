// Package auth authenticates API requests with RS512 signed JWTs, and
// checks the role the token was issued for.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

const (
	// Header is the name of the header we check for authentication details
	Header = "Authorization"
	// userIdVariable is the Gin variable we store the authenticated user ID
	// as
	userIdVariable = "user-id"
	// roleVariable is the Gin variable we store the role of the
	// authenticated user as
	roleVariable = "user-role"

	// DefaultTokenTTL is how long tokens created without an explicit TTL
	// are valid
	DefaultTokenTTL = 5 * time.Hour
)

var log = build.AddSubLogger("AUTH")

var (
	ErrPrivateKeyIsNotInArgs = errors.New("private key not present in args")
	ErrInvalidKeyType        = errors.New("key is not a RSA key")
	ErrJwtKeyHasNotBeenSet   = errors.New("JWT public key is nil! You need to call SetJwtPrivateKey or SetJwtPublicKey before using this package")
	ErrUnknownRole           = errors.New("unknown role")
)

// Role is what a token allows its bearer to do
type Role string

const (
	// Creator tokens can read their own balance and request withdrawals
	Creator Role = "creator"
	// Admin tokens can adjudicate withdrawals of every creator
	Admin Role = "admin"
)

// ParseRole parses a role, case insensitively
func ParseRole(s string) (Role, error) {
	switch role := Role(strings.ToLower(s)); role {
	case Creator, Admin:
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// keys used to sign and verify JWTs
var (
	jwtPrivateKey *rsa.PrivateKey
	jwtPublicKey  *rsa.PublicKey
)

// SetRawJwtPrivateKey takes in a PEM encoded RSA private key, and set the JWT signing
// key used in this package to it. Password may be empty.
func SetRawJwtPrivateKey(key, password []byte) (err error) {
	privPem, _ := pem.Decode(key)
	if privPem == nil {
		return errors.New("could not decode PEM key")
	}
	if privPem.Type != "RSA PRIVATE KEY" {
		return ErrInvalidKeyType
	}

	var privPemBytes []byte
	if len(password) == 0 {
		privPemBytes = privPem.Bytes
	} else {
		privPemBytes, err = x509.DecryptPEMBlock(privPem, password)
		if err != nil {
			return fmt.Errorf("unable to decode PEM block: %w", err)
		}
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(privPemBytes)
	if err != nil {
		return err
	}

	SetJwtPrivateKey(privateKey)
	return nil
}

// SetRawJwtPublicKey takes in a PEM encoded RSA public key, and uses it to
// verify JWTs. A server that only verifies tokens does not need the
// private key.
func SetRawJwtPublicKey(key []byte) error {
	pubPem, _ := pem.Decode(key)
	if pubPem == nil {
		return errors.New("could not decode PEM key")
	}

	switch pubPem.Type {
	case "RSA PUBLIC KEY":
		publicKey, err := x509.ParsePKCS1PublicKey(pubPem.Bytes)
		if err != nil {
			return err
		}
		SetJwtPublicKey(publicKey)
		return nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(pubPem.Bytes)
		if err != nil {
			return err
		}
		publicKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return ErrInvalidKeyType
		}
		SetJwtPublicKey(publicKey)
		return nil
	default:
		return ErrInvalidKeyType
	}
}

// SetJwtPrivateKey takes in a RSA private key, and set the JWT signing
// key used in this package to it.
func SetJwtPrivateKey(key *rsa.PrivateKey) {
	jwtPrivateKey, jwtPublicKey = key, &key.PublicKey
}

// SetJwtPublicKey sets the key JWTs are verified with
func SetJwtPublicKey(key *rsa.PublicKey) {
	jwtPublicKey = key
}

// jwtClaims is the common form for our JWTs
type jwtClaims struct {
	UserID int  `json:"user_id"`
	Role   Role `json:"role"`
	jwt.StandardClaims
}

// GetMiddleware generates a middleware that authenticates that the user
// supplies a Bearer JWT in their authorization header. It inserts the user
// ID and role of the token as request variables that can be retrieved
// later, after the request has passed through the middleware.
func GetMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(Header)
		if header == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingAuthHeader)
			return
		}

		claims, err := authenticateJWT(c, header)
		if err != nil {
			return
		}

		c.Set(userIdVariable, claims.UserID)
		c.Set(roleVariable, claims.Role)
	}
}

// authenticateJWT tries to extract and verify a JWT from the authorization
// header. If that doesn't succeed, it rejects the request. If an error is
// returned, the request is responded to, and no further action is needed.
func authenticateJWT(c *gin.Context, header string) (*jwtClaims, error) {
	claims, err := parseBearerJwt(header)
	if err != nil {
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) {
			switch {
			case validationError.Errors&jwt.ValidationErrorMalformed != 0:
				apierr.Public(c, http.StatusBadRequest, apierr.ErrMalformedJwt)
				return nil, err
			case validationError.Errors&jwt.ValidationErrorSignatureInvalid != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidJwtSignature)
				return nil, err
			case validationError.Errors&jwt.ValidationErrorExpired != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrExpiredJwt)
				return nil, err
			case validationError.Errors&(jwt.ValidationErrorIssuedAt|jwt.ValidationErrorNotValidYet) != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrJwtNotValidYet)
				return nil, err
			}
		}

		log.WithError(err).Info("Got unexpected error when parsing JWT")
		apierr.Public(c, http.StatusUnauthorized, apierr.ErrMalformedJwt)
		return nil, err
	}

	log.WithField("userId", claims.UserID).Trace("JWT is valid")
	return claims, nil
}

func parseBearerJwtWithKey(tokenString string, publicKey *rsa.PublicKey) (*jwtClaims, error) {
	// a malicious actor will just create an invalid JWT if anything other
	// than Bearer is passed as the first 7 characters
	if !strings.HasPrefix(tokenString, "Bearer ") {
		return nil, jwt.NewValidationError("malformed JWT", jwt.ValidationErrorMalformed)
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			// only accept RSA signatures, anything else means the token
			// was not made by us
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return publicKey, nil
		})
	if err != nil {
		log.WithError(err).Debug("Parsing JWT failed")
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.NewValidationError("invalid JWT", jwt.ValidationErrorClaimsInvalid)
	}

	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, jwt.NewValidationError(err.Error(), jwt.ValidationErrorClaimsInvalid)
	}
	if claims.UserID <= 0 {
		return nil, jwt.NewValidationError("user_id must be positive", jwt.ValidationErrorClaimsInvalid)
	}
	return claims, nil
}

// parseBearerJwt parses a string representation of a JWT and validates
// it is signed by us. If anything goes wrong, an error with a descriptive
// reason is returned.
func parseBearerJwt(tokenString string) (*jwtClaims, error) {
	if jwtPublicKey == nil {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}
	return parseBearerJwtWithKey(tokenString, jwtPublicKey)
}

type createJwtArgs struct {
	id         int
	role       Role
	ttl        time.Duration
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

func createJwt(args createJwtArgs) (string, error) {
	if args.now == nil {
		args.now = time.Now
	}
	if args.ttl <= 0 {
		args.ttl = DefaultTokenTTL
	}

	if args.privateKey == nil {
		return "", ErrPrivateKeyIsNotInArgs
	}
	if _, err := ParseRole(string(args.role)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS512,
		&jwtClaims{
			UserID: args.id,
			Role:   args.role,
			StandardClaims: jwt.StandardClaims{
				ExpiresAt: args.now().Add(args.ttl).Unix(),
				IssuedAt:  args.now().Unix(),
			},
		},
	)

	tokenString, err := token.SignedString(args.privateKey)
	if err != nil {
		log.WithError(err).Error("Signing JWT failed")
		return "", err
	}

	return "Bearer " + tokenString, nil
}

// CreateJwt creates a new JWT for the given user and role, valid for the
// given duration, and signed with our private key. It returns the value of
// the authorization header.
func CreateJwt(id int, role Role, ttl time.Duration) (string, error) {
	if jwtPrivateKey == nil {
		return "", ErrPrivateKeyIsNotInArgs
	}

	return createJwt(createJwtArgs{
		id:         id,
		role:       role,
		ttl:        ttl,
		privateKey: jwtPrivateKey,
		now:        time.Now,
	})
}

// Info holds information needed to authenticate a user request
type Info struct {
	UserID int
	Role   Role
}

// Actor is the ledger actor the request acts as
func (i Info) Actor() withdrawals.Actor {
	role := withdrawals.RoleCreator
	if i.Role == Admin {
		role = withdrawals.RoleAdmin
	}
	return withdrawals.Actor{ID: i.UserID, Role: role}
}

// getInfoOrReject retrieves the authentication info associated with this request. This
// info should be set by the authentication middleware. This means that this
// method can safely be called by all endpoints that use the authentication
// middleware.
func getInfoOrReject(c *gin.Context) (Info, bool) {
	id, exists := c.Get(userIdVariable)
	if !exists {
		const msg = "user ID is not set in request! This is a serious error, and means our authentication middleware did not set the correct variable"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return Info{}, false
	}
	idInt, ok := id.(int)
	if !ok {
		const msg = "user ID was not an int! This means our authentication middleware did something bad"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return Info{}, false
	}

	maybeRole, exists := c.Get(roleVariable)
	if !exists {
		const msg = "role is not in request! This is a serious error, and means our authentication middleware did not set the correct variable"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return Info{}, false
	}
	role, ok := maybeRole.(Role)
	if !ok {
		const msg = "role was not auth.Role! This means our authentication middleware did something bad"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return Info{}, false
	}

	return Info{UserID: idInt, Role: role}, true
}

// RequireRole extracts the authentication information associated with the
// given request, and confirms the role found in the request. If the role
// doesn't match, we reject the request, and no further action is needed by
// the caller of this function.
func RequireRole(c *gin.Context, role Role) (Info, bool) {
	info, ok := getInfoOrReject(c)
	if !ok {
		return Info{}, false
	}
	if info.Role != role {
		log.WithFields(logrus.Fields{
			"userId":   info.UserID,
			"role":     info.Role,
			"required": role,
		}).Info("Rejecting request with wrong role")
		apierr.Public(c, http.StatusForbidden, apierr.ErrForbidden)
		return Info{}, false
	}
	return info, true
}

// RoleMiddleware rejects requests not made with the given role
func RoleMiddleware(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, _ = RequireRole(c, role)
	}
}

// UserID returns the authenticated user of the request, without rejecting
// requests that have none
func UserID(c *gin.Context) (int, bool) {
	id, ok := c.Get(userIdVariable)
	if !ok {
		return 0, false
	}
	idInt, ok := id.(int)
	return idInt, ok
}
