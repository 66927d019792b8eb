package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cdcgateway/server"
)

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("no config at %s; create one with -config-cmd=init", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("config.load", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it or pass another -config path", path)
	}
	_, err := runSetup(path, &prompter{in: bufio.NewReader(in), out: os.Stdout}, logger)
	return err
}

// runConfigValidate loads the file and probes every upstream it names.
func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(probeAll(ctx, cfg, logger)...)
}

func runSetup(path string, p *prompter, logger *slog.Logger) (server.Config, error) {
	fmt.Fprintf(p.out, "Creating %s for the CDC gateway. Press Enter to keep a default.\n", path)

	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.yesNo("Development mode (plain HTTP, insecure cookies)?", true)
	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.required("Public domain served over TLS (e.g. auth.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.ask("ACME account email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}
	cfg.Server.FrontendURL = strings.TrimSuffix(p.ask("Storefront URL", cfg.Server.FrontendURL), "/")

	cfg.CDC.APIKey = p.required("CDC site API key")
	cfg.CDC.DataCenter = p.ask("CDC data center (us1, eu1, au1, ...)", cfg.CDC.DataCenter)
	cfg.CDC.ClientID = p.required("CDC OIDC client ID")
	cfg.CDC.ClientSecret = p.ask("CDC OIDC client secret (blank for a public client)", "")
	cfg.CDC.SecretKey = p.ask("CDC partner secret, base64 (blank disables signature checks)", "")

	cfg.Commerce.TokenURL = p.required("Commerce token endpoint URL")
	cfg.Commerce.ClientID = p.required("Commerce client ID")
	cfg.Commerce.ClientSecret = p.ask("Commerce client secret", "")

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("config.written", "path", path)
	return server.LoadConfig(path)
}

// prompter reads answers line by line. At EOF every question falls back to
// its default so scripted input never loops.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) line() (string, bool) {
	s, err := p.in.ReadString('\n')
	return strings.TrimSpace(s), err == nil
}

func (p *prompter) ask(question, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", question)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	}
	if answer, _ := p.line(); answer != "" {
		return answer
	}
	return strings.TrimSpace(def)
}

func (p *prompter) required(question string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", question)
		answer, more := p.line()
		if answer != "" || !more {
			return answer
		}
		fmt.Fprintln(p.out, "  a value is required")
	}
}

func (p *prompter) yesNo(question string, def bool) bool {
	hint := "Y/n"
	if !def {
		hint = "y/N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", question, hint)
		answer, more := p.line()
		switch strings.ToLower(answer) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !more {
			return def
		}
		fmt.Fprintln(p.out, "  answer y or n")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
