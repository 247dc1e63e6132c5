package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	contextKeyClaims = "auth_claims"
	contextKeyUserID = "user_id"
	bearerPrefix     = "Bearer "
)

var errMissingBearer = errors.New("missing bearer token")

// sessionUser copies the tauth session subject into the request context.
func sessionUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claimsValue, ok := ctx.Get(contextKeyClaims)
		claims, _ := claimsValue.(*sessionvalidator.Claims)
		if !ok || claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		if !setUser(ctx, claims.GetUserID()) {
			return
		}
		ctx.Next()
	}
}

// bearerAuth accepts HS256 tokens signed with signingKey whose subject names the user.
func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		return signingKey, nil
	}
	return func(ctx *gin.Context) {
		raw, err := bearerToken(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
			return
		}
		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if !setUser(ctx, claims.Subject) {
			return
		}
		ctx.Next()
	}
}

func bearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errMissingBearer
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}

func setUser(ctx *gin.Context, rawUserID string) bool {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "token has no subject"))
		return false
	}
	ctx.Set(contextKeyUserID, userID)
	return true
}

func currentUser(ctx *gin.Context) (ledger.UserID, bool) {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ledger.UserID{}, false
	}
	userID, ok := value.(ledger.UserID)
	return userID, ok && !userID.IsZero()
}
