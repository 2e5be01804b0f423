package api

import (
   "context"
   "encoding/json"
   "maps"
   "time"

   "github.com/go-resty/resty/v2"
   "golang.org/x/time/rate"
)

const recaptcha_site_key = "6LdZUY4qAAAAAEX-6hC26gsQoQK3VgmCOVLxR7Cz"

var captcha_tasks = map[string]map[string]any{
   "api.capsolver.com": {"type": "ReCaptchaV3EnterpriseTaskProxyLess"},
   "api.anti-captcha.com": {
      "type":         "RecaptchaV3TaskProxyless",
      "minScore":     0.9,
      "isEnterprise": true,
   },
}

// Solver gets reCAPTCHA tokens from a task based solving service.
type Solver struct {
   Domain   string
   Key      string
   BaseURL  string
   Interval time.Duration
   Client   *resty.Client
}

type task_response struct {
   ErrorId          int    `json:"errorId"`
   ErrorDescription string `json:"errorDescription"`
   TaskId           any    `json:"taskId"`
   Status           string `json:"status"`
   Solution         struct {
      GRecaptchaResponse string `json:"gRecaptchaResponse"`
   } `json:"solution"`
}

func (s *Solver) post(ctx context.Context, method string, body any) (*task_response, error) {
   client := s.Client
   if client == nil {
      client = resty.New().OnBeforeRequest(LogRequest)
   }
   base := s.BaseURL
   if base == "" {
      base = "https://" + s.Domain
   }
   resp, err := client.R().SetContext(ctx).SetBody(body).Post(base + "/" + method)
   if err != nil {
      return nil, err
   }
   if resp.IsError() {
      return nil, status(resp)
   }
   var value task_response
   err = json.Unmarshal(resp.Body(), &value)
   if err != nil {
      return nil, &CaptchaError{Description: err.Error()}
   }
   if value.ErrorId != 0 {
      return nil, &CaptchaError{Description: value.ErrorDescription}
   }
   return &value, nil
}

// Token creates a task and polls until it is ready.
func (s *Solver) Token(ctx context.Context) (string, error) {
   task, ok := captcha_tasks[s.Domain]
   if !ok {
      return "", &CaptchaError{Description: "unsupported CAPTCHA solving service " + s.Domain}
   }
   task = maps.Clone(task)
   task["websiteURL"] = "https://www.passes.com/login"
   task["websiteKey"] = recaptcha_site_key
   task["pageAction"] = "login"
   created, err := s.post(ctx, "createTask", map[string]any{
      "clientKey": s.Key,
      "task":      task,
   })
   if err != nil {
      return "", err
   }
   interval := s.Interval
   if interval <= 0 {
      interval = time.Second
   }
   limiter := rate.NewLimiter(rate.Every(interval), 1)
   for {
      err = limiter.Wait(ctx)
      if err != nil {
         return "", err
      }
      result, err := s.post(ctx, "getTaskResult", map[string]any{
         "clientKey": s.Key,
         "taskId":    created.TaskId,
      })
      if err != nil {
         return "", err
      }
      if result.Status == "ready" {
         return result.Solution.GRecaptchaResponse, nil
      }
   }
}
