package api

type AuthorizationError struct {
   Reason string
}

func (a *AuthorizationError) Error() string {
   if a.Reason == "" {
      return "an authorization error occurred"
   }
   return "authorization: " + a.Reason
}

type CaptchaError struct {
   Description string
}

func (c *CaptchaError) Error() string {
   return "captcha: " + c.Description
}

type ChannelNotFoundError struct {
   Username string
}

func (c *ChannelNotFoundError) Error() string {
   return "message channel not found: " + c.Username
}

type InvalidURLError struct {
   URL string
}

func (i *InvalidURLError) Error() string {
   return "invalid post URL: " + i.URL
}
