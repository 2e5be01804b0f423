package main

import (
   "bytes"
   "os"
   "path/filepath"

   "github.com/BurntSushi/toml"
   "github.com/rs/zerolog/log"
)

type environment struct {
   Config     string `env:"PASSES_CONFIG" envDefault:"config.toml"`
   LogLevel   string `env:"PASSES_LOG_LEVEL" envDefault:"info"`
   HeavySlots int64  `env:"PASSES_HEAVY_SLOTS" envDefault:"1"`
   Retries    int    `env:"PASSES_RETRIES" envDefault:"5"`
   Proxy      bool   `env:"PASSES_PROXY"`
}

type config struct {
   Authorization struct {
      RefreshToken string `toml:"refresh_token"`
      Credentials  struct {
         Email    string `toml:"email"`
         Password string `toml:"password"`
      } `toml:"credentials"`
   } `toml:"authorization"`
   CaptchaSolver struct {
      ApiDomain string `toml:"api_domain"`
      ApiKey    string `toml:"api_key"`
   } `toml:"captcha_solver"`
   Widevine struct {
      ClientId           string `toml:"client_id"`
      PrivateKey         string `toml:"private_key"`
      ServiceCertificate string `toml:"service_certificate"`
   } `toml:"widevine"`
}

func (c *config) credentials() bool {
   return c.Authorization.Credentials.Email != "" &&
      c.Authorization.Credentials.Password != ""
}

func read_config(name string) (*config, error) {
   var value config
   _, err := toml.DecodeFile(name, &value)
   if err != nil {
      return nil, err
   }
   return &value, nil
}

// write_config replaces name through a temporary file in the same directory.
func write_config(name string, value *config) error {
   var data bytes.Buffer
   err := toml.NewEncoder(&data).Encode(value)
   if err != nil {
      return err
   }
   temp, err := os.CreateTemp(filepath.Dir(name), ".config-*.toml")
   if err != nil {
      return err
   }
   defer os.Remove(temp.Name())
   _, err = temp.Write(data.Bytes())
   if err != nil {
      temp.Close()
      return err
   }
   err = temp.Close()
   if err != nil {
      return err
   }
   log.Info().Str("name", name).Msg("WriteFile")
   return os.Rename(temp.Name(), name)
}
