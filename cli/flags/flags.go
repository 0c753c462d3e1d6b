//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package flags

import (
	"io/ioutil"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/mcu-tools/ecflash/cli/ec/transport"
)

var (
	Transport = flag.String("transport", "", "EC transport: lpc, dev or i2c (default lpc)")
	DevPath   = flag.String("dev-path", "", "EC device node for the dev transport")
	PortPath  = flag.String("port-path", "", "Port I/O device for the lpc transport")
	I2CBus    = flag.Int("i2c-bus", 0, "I2C bus number for the i2c transport")
	I2CAddr   = flag.Int("i2c-addr", 0, "EC I2C address")
	DevIndex  = flag.Int("dev-index", 0, "Logical EC index on systems with several (0-3)")

	BoardProfile = flag.String("board-profile", "", "YAML file with transport parameters for this board")

	Firmware  = flag.StringP("firmware", "f", "", "Firmware image file")
	Output    = flag.StringP("output", "o", "", "Output file for read")
	RunNewest = flag.Bool("run-newest", true,
		"After a successful update, leave the EC running the newest (RW) firmware")

	Timeout      = flag.Duration("timeout", transport.DefaultCmdTimeout, "Per-command timeout")
	ProbeTimeout = flag.Duration("probe-timeout", transport.DefaultProbeTimeout,
		"Budget for deciding that no EC is present")

	LockPath    = flag.String("lock-path", "", "Advisory lock file path")
	LockTimeout = flag.Duration("lock-timeout", 10*time.Second, "How long to wait for the EC lock")
)

// TransportParams merges the board profile (if any) with the command-line
// flags; flags win.
func TransportParams() (*transport.Params, error) {
	p := &transport.Params{}
	if *BoardProfile != "" {
		raw, err := ioutil.ReadFile(*BoardProfile)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read the board profile")
		}
		if err := yaml.Unmarshal(raw, p); err != nil {
			return nil, errors.Annotatef(err, "invalid board profile %s", *BoardProfile)
		}
	}
	if *Transport != "" {
		p.Kind = *Transport
	}
	if *DevPath != "" {
		p.DevPath = *DevPath
	}
	if *PortPath != "" {
		p.PortPath = *PortPath
	}
	if *I2CBus != 0 {
		p.I2CBus = *I2CBus
	}
	if *I2CAddr != 0 {
		p.I2CAddr = *I2CAddr
	}
	p.CmdTimeout = *Timeout
	p.ProbeTimeout = *ProbeTimeout
	return p, nil
}
