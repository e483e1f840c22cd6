/*
Copyright 2019 Asiaq Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sshcmd runs commands on instances over ssh with exit code
// capture. Smoke testing and testing-mode switches branch on exit codes,
// so a non-zero exit is reported as a status, not an error.
package sshcmd

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ExitStatusUndefined is returned when the command never ran or its exit
// status could not be determined
const ExitStatusUndefined = -1

// Config configures the runner
type Config struct {
	// User is the login to use when the caller does not specify one
	User string
	// KeyPath is the path to the private key file
	KeyPath string
	// Signer is the parsed private key, loaded from KeyPath when nil
	Signer ssh.Signer
	// Port is the ssh port, defaults to 22
	Port int
	// DialTimeout bounds connection establishment
	DialTimeout time.Duration
}

// CheckAndSetDefaults checks and sets default values
func (c *Config) CheckAndSetDefaults() error {
	if c.Signer == nil {
		if c.KeyPath == "" {
			return trace.BadParameter("missing parameter KeyPath or Signer")
		}
		key, err := ioutil.ReadFile(c.KeyPath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return trace.Wrap(err, "failed to parse private key %v", c.KeyPath)
		}
		c.Signer = signer
	}
	if c.User == "" {
		return trace.BadParameter("missing parameter User")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	return nil
}

// Runner runs remote commands over ssh
type Runner struct {
	Config
	*log.Entry
}

// New returns a new runner
func New(config Config) (*Runner, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runner{
		Config: config,
		Entry:  log.WithFields(log.Fields{trace.Component: "ssh"}),
	}, nil
}

// Run runs the command on the host and returns its exit code and combined
// output. An empty user falls back to the runner's default login. The
// error is non-nil only when the command could not be run at all.
func (r *Runner) Run(ctx context.Context, host string, command []string, user string) (int, []byte, error) {
	if user == "" {
		user = r.User
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%v:%v", host, r.Port), &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.DialTimeout,
	})
	if err != nil {
		return ExitStatusUndefined, nil, trace.Wrap(err, "failed to connect to %v as %v", host, user)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return ExitStatusUndefined, nil, trace.Wrap(err)
	}
	defer session.Close()

	// close the connection when the context expires so the command does
	// not outlive the caller's budget
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGTERM)
			client.Close()
		case <-done:
		}
	}()

	cmd := QuoteCommand(command)
	r.WithField("host", host).Debugf("Running %q.", cmd)
	output, err := session.CombinedOutput(cmd)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return exitErr.ExitStatus(), output, nil
		}
		if ctx.Err() != nil {
			return ExitStatusUndefined, output, trace.Wrap(ctx.Err())
		}
		return ExitStatusUndefined, output, trace.Wrap(err)
	}
	return 0, output, nil
}

// QuoteCommand joins an argument vector into a shell command line,
// quoting arguments the remote shell would otherwise split or expand
func QuoteCommand(command []string) string {
	quoted := make([]string, 0, len(command))
	for _, arg := range command {
		quoted = append(quoted, quoteArgument(arg))
	}
	return strings.Join(quoted, " ")
}

var safeArgument = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@%+,"

func quoteArgument(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, r := range arg {
		if !strings.ContainsRune(safeArgument, r) {
			safe = false
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.Replace(arg, "'", `'"'"'`, -1) + "'"
}
