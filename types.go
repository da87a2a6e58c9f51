package oauth

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Hint             string `json:"hint,omitempty"`
}

// RevocationRequest holds the parameters of a revocation request (RFC 7009)
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}
