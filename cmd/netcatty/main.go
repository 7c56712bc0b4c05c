// Command netcatty is a terminal driver for the remote-access engine: it
// opens an interactive shell (or runs a one-shot command) through optional
// jump hosts, wiring the engine's event streams to stdin/stdout. The
// desktop shell embeds the same engine packages directly; this binary is
// the headless way to exercise them.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/engine"
	"github.com/YU-7/Netcatty-sub002/internal/shell"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	host := flag.String("host", "", "target host")
	port := flag.Int("port", 22, "target port")
	user := flag.String("user", "", "target username")
	keyPath := flag.String("key", "", "private key file (optional)")
	jumps := flag.String("jump", "", "comma-separated jump hosts (user@host[:port])")
	execCmd := flag.String("exec", "", "run one command instead of a shell")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *host == "" || *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		log.Fatalf("loading config from %q: %v", *configPath, err)
	}

	target := sshauth.Target{Host: *host, Port: *port, User: *user}
	if *keyPath != "" {
		pem, err := os.ReadFile(*keyPath)
		if err != nil {
			log.Fatalf("reading key %q: %v", *keyPath, err)
		}
		target.Credentials.PrivateKey = pem
	} else if pw := os.Getenv("NETCATTY_PASSWORD"); pw != "" {
		target.Credentials.Password = pw
	} else {
		fmt.Fprintf(os.Stderr, "%s's password: ", target.Identity())
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("reading password: %v", err)
		}
		target.Credentials.Password = string(pw)
	}

	hops, err := parseJumps(*jumps, target.Credentials.Password)
	if err != nil {
		log.Fatalf("parsing -jump: %v", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *execCmd != "" {
		runExec(ctx, eng, target, hops, *execCmd)
		return
	}
	runShell(ctx, eng, target, hops)
}

// parseJumps turns "alice@bastion:2222,bob@inner" into hop targets. Hops
// reuse the target password when they carry no material of their own; key
// and agent candidates are discovered per hop anyway.
func parseJumps(spec, password string) ([]sshauth.Target, error) {
	if spec == "" {
		return nil, nil
	}
	var hops []sshauth.Target
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		at := strings.LastIndex(part, "@")
		if at <= 0 {
			return nil, fmt.Errorf("hop %q: want user@host[:port]", part)
		}
		hop := sshauth.Target{User: part[:at], Host: part[at+1:], Port: 22}
		hop.Credentials.Password = password
		if host, portStr, err := splitHostPort(hop.Host); err == nil {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("hop %q: bad port", part)
			}
			hop.Host, hop.Port = host, p
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

func splitHostPort(s string) (string, string, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", "", fmt.Errorf("no port")
	}
	return s[:i], s[i+1:], nil
}

func runExec(ctx context.Context, eng *engine.Engine, target sshauth.Target, hops []sshauth.Target, command string) {
	res, err := eng.Exec(ctx, target, hops, command, shell.ExecOptions{AllowInteractive: true})
	if err != nil {
		log.Fatalf("exec: %v", err)
	}
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	os.Exit(res.ExitCode)
}

func runShell(ctx context.Context, eng *engine.Engine, target sshauth.Target, hops []sshauth.Target) {
	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if w, h, err := term.GetSize(fd); err == nil {
		cols, rows = w, h
	}

	sess, err := eng.StartSession(ctx, shell.StartOptions{
		Target:           target,
		Hops:             hops,
		PTY:              shell.PTY{Cols: cols, Rows: rows},
		AllowInteractive: true,
	})
	if err != nil {
		log.Fatalf("starting session: %v", err)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		log.Fatalf("entering raw mode: %v", err)
	}
	restore := func() { term.Restore(fd, oldState) }
	defer restore()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				eng.Write(sess.ID, buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sess.Close()
			return
		case ev := <-sess.Events():
			switch ev.Kind {
			case shell.EventData:
				os.Stdout.Write(ev.Data)
			case shell.EventHopProgress:
				log.Debugf("hop %d %s: %s", ev.Hop.Hop, ev.Hop.Host, ev.Hop.Status)
			case shell.EventChallenge:
				answerChallenge(eng, ev, restore, fd)
			case shell.EventExit:
				restore()
				if ev.Err != nil {
					log.Errorf("session ended: %v", ev.Err)
					os.Exit(1)
				}
				return
			}
		}
	}
}

// answerChallenge drops out of raw mode to run a keyboard-interactive
// exchange on the controlling terminal, then re-enters it.
func answerChallenge(eng *engine.Engine, ev shell.Event, restore func(), fd int) {
	restore()
	defer func() {
		if _, err := term.MakeRaw(fd); err != nil {
			log.Warnf("re-entering raw mode: %v", err)
		}
	}()

	req := ev.Challenge
	if req.Name != "" {
		fmt.Fprintln(os.Stderr, req.Name)
	}
	if req.Instruction != "" {
		fmt.Fprintln(os.Stderr, req.Instruction)
	}

	answers := make([]string, 0, len(req.Prompts))
	reader := bufio.NewReader(os.Stdin)
	for _, p := range req.Prompts {
		fmt.Fprint(os.Stderr, p.Text)
		if p.Echo {
			line, err := reader.ReadString('\n')
			if err != nil {
				eng.CancelInteractive(req.ID)
				return
			}
			answers = append(answers, strings.TrimSuffix(line, "\n"))
		} else {
			secret, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				eng.CancelInteractive(req.ID)
				return
			}
			answers = append(answers, string(secret))
		}
	}
	if err := eng.RespondInteractive(req.ID, answers); err != nil {
		log.Warnf("challenge response: %v", err)
	}
}
