package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/chatterbox/internal/config"
)

// PromptInteractive walks through the settings a first run usually needs.
func PromptInteractive(in io.Reader, dir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("Chatterbox interactive setup")
	fmt.Printf(" Client folder : %s\n", dir)
	fmt.Printf(" Config file   : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Server.APIURL = askString(r, "Server API URL", cfg.Server.APIURL)
	cfg.Server.WSURL = askString(r, "Server websocket URL", cfg.Server.WSURL)
	cfg.Transport.ReconnectMS = askInt(r, "Reconnect delay (ms)", cfg.Transport.ReconnectMS)

	if askBool(r, "Record remote call media", cfg.Call.RecordDir != "") {
		dirDefault := cfg.Call.RecordDir
		if dirDefault == "" {
			dirDefault = "data/recordings"
		}
		cfg.Call.RecordDir = askString(r, "Recording folder", dirDefault)
	} else {
		cfg.Call.RecordDir = ""
	}
	cfg.Call.VideoMaxWidth = askInt(r, "Max video width", cfg.Call.VideoMaxWidth)
	cfg.Call.VideoMaxHeight = askInt(r, "Max video height", cfg.Call.VideoMaxHeight)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

// Credentials holds what signin/signup ask for.
type Credentials struct {
	Username string `validate:"required,min=3,max=30"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

// PromptCredentials asks for a username and password, plus an email when
// withEmail is set. Input is echoed.
func PromptCredentials(in io.Reader, withEmail bool) Credentials {
	r := bufio.NewReader(in)
	var c Credentials
	for c.Username == "" {
		c.Username = askString(r, "Username", "")
	}
	if withEmail {
		for validate.Var(c.Email, "required,email") != nil {
			c.Email = askString(r, "Email", "")
		}
	}
	for c.Password == "" {
		c.Password = askString(r, "Password", "")
	}
	return c
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, err := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		if err != nil && def == "" {
			fmt.Fprintln(os.Stderr, "\ninput closed")
			os.Exit(1)
		}
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter y or n.")
		}
	}
}
