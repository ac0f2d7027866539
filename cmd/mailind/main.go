// mailind is a small demo SMTP receiver built on top of the smtpd package:
// it stores accepted messages as plain files and optionally gates AUTH
// against a userdb file. It exists to show how an embedder wires
// smtpd.Server, internal/store, and internal/userdb together, the same
// role original_source/mailin-server/src/main.rs plays for the Rust
// original.
package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v2"

	"blitiri.com.ar/go/log"

	"github.com/MagomeYae/mailin-insecure/internal/store"
	"github.com/MagomeYae/mailin-insecure/internal/userdb"
	"github.com/MagomeYae/mailin-insecure/smtpd"
)

const usage = `mailind: a demo embeddable SMTP receiver.

Usage:
  mailind [--config=PATH] [--addr=ADDR] [--server-name=NAME] [--data-dir=DIR]
           [--users=PATH] [--blocklist=IP]... [--ssl-cert=PEM_FILE]
           [--ssl-key=PEM_FILE] [--ssl-chain=PEM_FILE] [--auth-mechanism=MECH]...
           [--insecure-allow-plaintext-auth] [--systemd]
  mailind -h | --help

Options:
  -h --help                          Show this help.
  --config=PATH                      Path to a YAML config file; flags below override it.
  --addr=ADDR                        Address to listen on [default: 127.0.0.1:8025].
  --server-name=NAME                 Name advertised in the banner and EHLO [default: localhost].
  --data-dir=DIR                     Directory accepted messages are stored under [default: ./data].
  --users=PATH                       userdb file; enables AUTH PLAIN/LOGIN when set.
  --blocklist=IP                     Blocklisted IP; may be repeated.
  --ssl-cert=PEM_FILE                TLS certificate (pairs with --ssl-key).
  --ssl-key=PEM_FILE                 TLS certificate key.
  --ssl-chain=PEM_FILE               TLS intermediate chain, appended to --ssl-cert's chain.
  --auth-mechanism=MECH              SASL mechanism to advertise; may be repeated (default PLAIN and LOGIN).
  --insecure-allow-plaintext-auth    Allow AUTH before STARTTLS (insecure; off by default).
  --systemd                         Use systemd socket activation instead of --addr.
`

// fileConfig is the YAML config file shape; CLI flags that were explicitly
// given override the corresponding field.
type fileConfig struct {
	Addr                       string   `yaml:"addr"`
	ServerName                 string   `yaml:"server_name"`
	DataDir                    string   `yaml:"data_dir"`
	Users                      string   `yaml:"users"`
	Blocklist                  []string `yaml:"blocklist"`
	SslCert                    string   `yaml:"ssl_cert"`
	SslKey                     string   `yaml:"ssl_key"`
	SslChain                   string   `yaml:"ssl_chain"`
	AuthMechanisms             []string `yaml:"auth_mechanisms"`
	InsecureAllowPlaintextAuth bool     `yaml:"insecure_allow_plaintext_auth"`
	Systemd                    bool     `yaml:"systemd"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return fc, nil
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "mailind 1.0")
	if err != nil {
		log.Fatalf("parsing arguments: %v", err)
	}

	fc, err := loadFileConfig(optString(opts, "--config"))
	if err != nil {
		log.Fatalf("%v", err)
	}

	addr := overrideString(fc.Addr, opts, "--addr", "127.0.0.1:8025")
	serverName := overrideString(fc.ServerName, opts, "--server-name", "localhost")
	dataDir := overrideString(fc.DataDir, opts, "--data-dir", "./data")
	usersPath := overrideString(fc.Users, opts, "--users", "")
	sslCert := overrideString(fc.SslCert, opts, "--ssl-cert", "")
	sslKey := overrideString(fc.SslKey, opts, "--ssl-key", "")
	sslChain := overrideString(fc.SslChain, opts, "--ssl-chain", "")

	blocklist := fc.Blocklist
	if ips, ok := opts["--blocklist"].([]string); ok && len(ips) > 0 {
		blocklist = ips
	}

	mechanisms := fc.AuthMechanisms
	if len(mechanisms) == 0 {
		mechanisms = []string{"PLAIN", "LOGIN"}
	}
	if ms, ok := opts["--auth-mechanism"].([]string); ok && len(ms) > 0 {
		mechanisms = ms
	}

	insecureAuth := fc.InsecureAllowPlaintextAuth
	if b, ok := opts["--insecure-allow-plaintext-auth"].(bool); ok && b {
		insecureAuth = true
	}

	useSystemd := fc.Systemd
	if b, ok := opts["--systemd"].(bool); ok && b {
		useSystemd = true
	}

	var users *userdb.DB
	if usersPath != "" {
		users, err = userdb.Load(usersPath)
		if err != nil {
			log.Fatalf("loading userdb %q: %v", usersPath, err)
		}
		log.Infof("loaded userdb %q", usersPath)
	}

	var policy *store.HeloPolicy
	if len(blocklist) > 0 {
		policy = store.NewHeloPolicy(blocklist...)
	}

	if err := os.MkdirAll(dataDir, 0770); err != nil {
		log.Fatalf("creating data dir %q: %v", dataDir, err)
	}

	handler := store.NewHandler(dataDir, policy, users)

	srv := smtpd.NewServer(handler)
	srv.SetServerName(serverName)
	srv.SetAuthMechanisms(mechanisms...)
	srv.SetInsecureAllowPlaintextAuth(insecureAuth)

	if sslCert != "" && sslKey != "" {
		var err error
		if sslChain != "" {
			err = srv.AddTrustedCert(sslCert, sslKey, sslChain)
		} else {
			err = srv.AddCert(sslCert, sslKey)
		}
		if err != nil {
			log.Fatalf("loading TLS certificate: %v", err)
		}
		log.Infof("TLS enabled")
	}

	if useSystemd {
		if err := srv.AddSystemdListeners(""); err != nil {
			log.Fatalf("acquiring systemd listeners: %v", err)
		}
	} else {
		if err := srv.AddAddr(addr); err != nil {
			log.Fatalf("binding %q: %v", addr, err)
		}
		log.Infof("listening on %s", addr)
	}

	log.Fatalf("server exited: %v", srv.ListenAndServe())
}

func optString(opts docopt.Opts, key string) string {
	s, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return s
}

// overrideString returns the flag's value when the user gave it explicitly
// (i.e. it differs from its docopt default), falling back to the config
// file's value, then to def.
func overrideString(fromFile string, opts docopt.Opts, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" && v != def {
		return v
	}
	if fromFile != "" {
		return fromFile
	}
	return def
}
