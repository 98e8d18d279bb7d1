package codex

import "github.com/golang-jwt/jwt/v5"

// ExtractAccountID extracts the ChatGPT account id embedded in the access
// token. The token is a three-segment JWT whose claims carry the account id at
// a fixed path. Decode failures yield an empty result, never an error: the
// token may still authenticate without routing metadata.
func ExtractAccountID(tokenStr string) string {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	token, _, err := parser.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}

	authClaims, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}

	accountID, ok := authClaims["chatgpt_account_id"].(string)
	if !ok {
		return ""
	}

	return accountID
}
