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

package main

import (
	stdlog "log"
	"os"

	"github.com/asiaq/asiaq/tool/asiaq/cli"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	stdlog.SetOutput(log.StandardLogger().Writer())
	app := kingpin.New("asiaq", "Blue/green AMI deployment tool")
	if err := run(app); err != nil {
		log.Error(trace.DebugReport(err))
		cli.PrintError(err)
		os.Exit(255)
	}
}

func run(app *kingpin.Application) error {
	asiaq := cli.RegisterCommands(app)
	return cli.Run(asiaq)
}
