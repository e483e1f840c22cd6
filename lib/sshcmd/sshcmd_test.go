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

package sshcmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/check.v1"
)

func TestSSHCmd(t *testing.T) { check.TestingT(t) }

type SSHCmdSuite struct{}

var _ = check.Suite(&SSHCmdSuite{})

func (s *SSHCmdSuite) TestQuoteCommand(c *check.C) {
	c.Assert(QuoteCommand([]string{"sudo", "/etc/asiaq/bin/testing_mode.sh", "off"}),
		check.Equals, "sudo /etc/asiaq/bin/testing_mode.sh off")
	c.Assert(QuoteCommand([]string{"echo", "hello world"}),
		check.Equals, "echo 'hello world'")
	c.Assert(QuoteCommand([]string{"echo", "it's"}),
		check.Equals, `echo 'it'"'"'s'`)
	c.Assert(QuoteCommand([]string{"echo", ""}),
		check.Equals, "echo ''")
	c.Assert(QuoteCommand([]string{"run_tests.sh", "banana_test"}),
		check.Equals, "run_tests.sh banana_test")
}

func (s *SSHCmdSuite) TestConfigRequiresKey(c *check.C) {
	config := Config{User: "tester"}
	c.Assert(config.CheckAndSetDefaults(), check.NotNil)
}

func writeTestKey(c *check.C) string {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	c.Assert(err, check.IsNil)
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	dir := c.MkDir()
	path := filepath.Join(dir, "id_rsa")
	c.Assert(ioutil.WriteFile(path, data, 0600), check.IsNil)
	return path
}

func (s *SSHCmdSuite) TestConfigLoadsKeyAndSetsDefaults(c *check.C) {
	config := Config{User: "tester", KeyPath: writeTestKey(c)}
	c.Assert(config.CheckAndSetDefaults(), check.IsNil)
	c.Assert(config.Signer, check.NotNil)
	c.Assert(config.Port, check.Equals, 22)
	c.Assert(config.DialTimeout, check.Not(check.Equals), 0)
}

func (s *SSHCmdSuite) TestConfigMissingKeyFile(c *check.C) {
	config := Config{User: "tester", KeyPath: filepath.Join(os.TempDir(), "no-such-key")}
	c.Assert(config.CheckAndSetDefaults(), check.NotNil)
}
