package api

import (
   "context"
   "encoding/json"
   "net/http"

   "github.com/rs/zerolog/log"
)

type tokens struct {
   Tokens struct {
      AccessToken  string `json:"accessToken"`
      RefreshToken string `json:"refreshToken"`
   } `json:"tokens"`
}

// Login signs in with email and password. If mfa is true the returned token
// is a temporary access token for SubmitMfa, otherwise it is a refresh
// token.
func (c *Client) Login(
   ctx context.Context, email, password string, solver *Solver, attempts int,
) (token string, mfa bool, err error) {
   if solver == nil {
      return "", false, &AuthorizationError{Reason: "a CAPTCHA solver is required"}
   }
   attempts = max(attempts, 1)
   for attempt := 1; attempt <= attempts; attempt++ {
      recaptcha, err := solver.Token(ctx)
      if err != nil {
         return "", false, err
      }
      resp, err := c.http.R().
         SetContext(ctx).
         SetBody(map[string]string{
            "email":          email,
            "password":       password,
            "recaptchaToken": recaptcha,
         }).
         Post("/auth/password/login")
      if err != nil {
         return "", false, err
      }
      switch resp.StatusCode() {
      case http.StatusBadRequest, http.StatusUnauthorized:
         log.Warn().Int("attempt", attempt).Msg("login attempt failed")
         continue
      }
      if resp.IsError() {
         return "", false, status(resp)
      }
      var value tokens
      err = json.Unmarshal(resp.Body(), &value)
      if err != nil {
         return "", false, err
      }
      if value.Tokens.RefreshToken != "" {
         return value.Tokens.RefreshToken, false, nil
      }
      return value.Tokens.AccessToken, true, nil
   }
   return "", false, &AuthorizationError{
      Reason: "invalid login credentials or low reCAPTCHA score",
   }
}

// SubmitMfa exchanges a temporary access token and a one time code for a
// refresh token.
func (c *Client) SubmitMfa(ctx context.Context, access_token, code string) (string, error) {
   resp, err := c.http.R().
      SetContext(ctx).
      SetAuthToken(access_token).
      SetBody(map[string]string{"token": code}).
      Post("/auth/check-mfa-token")
   if err != nil {
      return "", err
   }
   switch resp.StatusCode() {
   case http.StatusBadRequest, http.StatusUnauthorized:
      return "", &AuthorizationError{Reason: "invalid multi-factor authentication token"}
   }
   if resp.IsError() {
      return "", status(resp)
   }
   var value tokens
   err = json.Unmarshal(resp.Body(), &value)
   if err != nil {
      return "", err
   }
   return value.Tokens.RefreshToken, nil
}

func (c *Client) AccessToken(ctx context.Context, refresh_token string) (string, error) {
   resp, err := c.http.R().
      SetContext(ctx).
      SetAuthToken(refresh_token).
      Post("/auth/refresh")
   if err != nil {
      return "", err
   }
   if resp.StatusCode() == http.StatusUnauthorized {
      return "", &AuthorizationError{Reason: "invalid or expired refresh token"}
   }
   if resp.IsError() {
      return "", status(resp)
   }
   var value struct {
      AccessToken string `json:"accessToken"`
   }
   err = json.Unmarshal(resp.Body(), &value)
   if err != nil {
      return "", err
   }
   return value.AccessToken, nil
}
