// Package wizard provides an interactive setup flow that writes a starter
// configuration file.
package wizard

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/veksel-project/veksel/internal/cipher"
	"github.com/veksel-project/veksel/internal/config"
	"github.com/veksel-project/veksel/internal/obfs"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	noteStyle = lipgloss.NewStyle().
			Faint(true).
			MarginBottom(1)
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Run executes the interactive setup and saves the resulting configuration.
func Run(defaultPath string) (*Result, error) {
	fmt.Println(titleStyle.Render("Veksel Setup"))
	fmt.Println(noteStyle.Render("Configure the local SOCKS5 endpoint and the relay it forwards to."))

	cfg := config.Default()
	configPath := defaultPath

	var (
		relayHost  string
		relayPort  = "8388"
		transport  = "tcp"
		method     = cfg.Cipher.Method
		password   string
		obfsName   = "plain"
		localPort  = strconv.Itoa(int(cfg.Local.Port))
		sni        string
		wsPath     string
		enableUDP  bool
	)

	methodOpts := make([]huh.Option[string], 0)
	for _, name := range cipher.MethodNames() {
		methodOpts = append(methodOpts, huh.NewOption(name, name))
	}
	obfsOpts := make([]huh.Option[string], 0)
	for _, name := range obfs.Names() {
		obfsOpts = append(obfsOpts, huh.NewOption(name, name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Relay host").
				Description("Hostname or IP of the relay server.").
				Value(&relayHost).
				Validate(required("relay host")),
			huh.NewInput().
				Title("Relay port").
				Value(&relayPort).
				Validate(validPort),
			huh.NewSelect[string]().
				Title("Transport").
				Description("How sessions reach the relay.").
				Options(
					huh.NewOption("Obfuscated TCP", "tcp"),
					huh.NewOption("TLS / WebSocket", "tls"),
					huh.NewOption("QUIC", "quic"),
				).
				Value(&transport),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Cipher method").
				Options(methodOpts...).
				Value(&method),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(required("password")),
			huh.NewSelect[string]().
				Title("Obfuscation").
				Options(obfsOpts...).
				Value(&obfsName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Local SOCKS5 port").
				Value(&localPort).
				Validate(validPort),
			huh.NewConfirm().
				Title("Answer UDP ASSOCIATE requests?").
				Value(&enableUDP),
			huh.NewInput().
				Title("Config file path").
				Value(&configPath).
				Validate(required("config path")),
		),
	)

	if err := form.Run(); err != nil {
		return nil, err
	}

	if transport != "tcp" {
		tlsForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("TLS server name (SNI)").
				Description("Leave empty to use the relay host.").
				Value(&sni),
			huh.NewInput().
				Title("WebSocket path").
				Description("Leave empty for raw TLS framing.").
				Value(&wsPath),
		))
		if err := tlsForm.Run(); err != nil {
			return nil, err
		}
	}

	rPort, _ := strconv.Atoi(relayPort)
	lPort, _ := strconv.Atoi(localPort)

	cfg.Relay.Host = relayHost
	cfg.Relay.Port = uint16(rPort)
	cfg.Relay.Transport = transport
	cfg.Relay.TLS.SNI = sni
	cfg.Relay.TLS.Path = wsPath
	cfg.Cipher.Method = method
	cfg.Cipher.Password = password
	cfg.Cipher.Obfs = obfsName
	cfg.Local.Port = uint16(lPort)
	if enableUDP {
		cfg.Local.UDP.Enabled = true
		cfg.Local.UDP.Port = uint16(lPort)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	if err := cfg.Save(configPath); err != nil {
		return nil, err
	}

	fmt.Println(noteStyle.Render("Configuration written to " + configPath))

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validPort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
