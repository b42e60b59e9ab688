// Package sshcmd parses user-supplied "ssh ..." command strings into the
// structured fields the session kernel needs: destination host/user/port,
// an optional identity file, and L/R/D forward specs.
package sshcmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
)

var ErrNotAnSSHCommand = errors.New("sshcmd: not an ssh command")

// LocalForward is a parsed `-L [bind:]port:host:port` spec.
type LocalForward struct {
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// RemoteForward is a parsed `-R [bind:]port:host:port` spec.
type RemoteForward struct {
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// DynamicForward is a parsed `-D [bind:]port` spec.
type DynamicForward struct {
	BindHost string
	BindPort int
}

// Command is the parser's output record.
type Command struct {
	Host           string
	User           string
	Port           int
	IdentityFile   string
	LocalForwards  []LocalForward
	RemoteForwards []RemoteForward
	DynamicForwards []DynamicForward
}

// Parse tokenizes raw (respecting single- and double-quoted segments) and
// extracts ssh(1)-style flags from it. raw must begin with the literal
// token "ssh"; anything else returns ErrNotAnSSHCommand so the caller can
// fall back to explicit host/user fields.
func Parse(raw string) (Command, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return Command{}, fmt.Errorf("sshcmd: %w", err)
	}
	if len(tokens) == 0 || tokens[0] != "ssh" {
		return Command{}, ErrNotAnSSHCommand
	}
	// pflag treats the token after an unknown flag as that flag's value and
	// scans combined unknown shorthands for known letters, so unknown flags
	// are dropped here before parsing. An unknown flag's value given as a
	// separate token is not dropped and is read as a positional argument.
	args := make([]string, 0, len(tokens)-1)
	for _, tok := range tokens[1:] {
		if len(tok) > 1 && tok[0] == '-' && !strings.ContainsRune("piLRD", rune(tok[1])) {
			continue
		}
		args = append(args, tok)
	}

	fs := flag.NewFlagSet("ssh", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true // spec: unknown flags are ignored
	fs.Usage = func() {}

	port := fs.IntP("p", "p", 0, "")
	identity := fs.StringP("i", "i", "", "")
	locals := fs.StringArrayP("L", "L", nil, "")
	remotes := fs.StringArrayP("R", "R", nil, "")
	dynamics := fs.StringArrayP("D", "D", nil, "")

	if err := fs.Parse(args); err != nil {
		return Command{}, fmt.Errorf("sshcmd: parse flags: %w", err)
	}

	cmd := Command{Port: *port, IdentityFile: *identity}

	for _, spec := range *locals {
		lf, err := parseLocalOrRemote(spec)
		if err != nil {
			return Command{}, fmt.Errorf("sshcmd: -L %q: %w", spec, err)
		}
		cmd.LocalForwards = append(cmd.LocalForwards, LocalForward(lf))
	}
	for _, spec := range *remotes {
		rf, err := parseLocalOrRemote(spec)
		if err != nil {
			return Command{}, fmt.Errorf("sshcmd: -R %q: %w", spec, err)
		}
		cmd.RemoteForwards = append(cmd.RemoteForwards, RemoteForward(rf))
	}
	for _, spec := range *dynamics {
		df, err := parseDynamic(spec)
		if err != nil {
			return Command{}, fmt.Errorf("sshcmd: -D %q: %w", spec, err)
		}
		cmd.DynamicForwards = append(cmd.DynamicForwards, df)
	}

	positional := fs.Args()
	if len(positional) > 0 {
		dest := positional[0]
		if at := strings.IndexByte(dest, '@'); at >= 0 {
			cmd.User = dest[:at]
			cmd.Host = dest[at+1:]
		} else {
			cmd.Host = dest
		}
	}

	return cmd, nil
}

// forwardSpec is the shared shape of -L/-R before it is re-typed into
// LocalForward or RemoteForward.
type forwardSpec struct {
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// parseLocalOrRemote parses "[bind:]port:host:port".
func parseLocalOrRemote(spec string) (forwardSpec, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 3:
		// port:host:port
		bindPort, err := strconv.Atoi(parts[0])
		if err != nil {
			return forwardSpec{}, fmt.Errorf("invalid bind port: %w", err)
		}
		targetPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return forwardSpec{}, fmt.Errorf("invalid target port: %w", err)
		}
		return forwardSpec{BindPort: bindPort, TargetHost: parts[1], TargetPort: targetPort}, nil
	case 4:
		// bind:port:host:port
		bindPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return forwardSpec{}, fmt.Errorf("invalid bind port: %w", err)
		}
		targetPort, err := strconv.Atoi(parts[3])
		if err != nil {
			return forwardSpec{}, fmt.Errorf("invalid target port: %w", err)
		}
		return forwardSpec{BindHost: parts[0], BindPort: bindPort, TargetHost: parts[2], TargetPort: targetPort}, nil
	default:
		return forwardSpec{}, errors.New("expected [bind:]port:host:port")
	}
}

// parseDynamic parses "[bind:]port".
func parseDynamic(spec string) (DynamicForward, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			return DynamicForward{}, fmt.Errorf("invalid port: %w", err)
		}
		return DynamicForward{BindPort: port}, nil
	case 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return DynamicForward{}, fmt.Errorf("invalid port: %w", err)
		}
		return DynamicForward{BindHost: parts[0], BindPort: port}, nil
	default:
		return DynamicForward{}, errors.New("expected [bind:]port")
	}
}
