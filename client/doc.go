// Package client is the outbound side of the token service: it acquires an
// access token with the client credentials or password grant, keeps it in
// memory and in an optional external cache slot, and sends API requests with it.
//
//	c, err := client.New(client.Config{
//		ClientID:                "reporting",
//		ClientSecret:            secret,
//		RedirectURI:             "https://reporting.example.com/callback",
//		URLAuthorize:            "https://auth.example.com/oauth/authorize",
//		URLAccessToken:          "https://auth.example.com/oauth/token",
//		URLResourceOwnerDetails: "https://auth.example.com/api/me",
//	}, client.WithCacheSlot("shared", client.NewValkeySlot(vk, "reporting:", time.Hour)))
//
//	result, err := c.AuthenticatedRequest(ctx, http.MethodGet, "https://api.example.com/items",
//		client.RequestParams{Mode: "shared"})
//
// Cached tokens are never refreshed automatically. Callers that get a 401
// from the API call RefreshToken and retry.
package client
