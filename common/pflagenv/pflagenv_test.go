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
package pflagenv

import (
	"os"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
)

func TestParseFlagSet(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)

	var fromCL, setEmpty, fromEnv, untouched string
	fs.StringVar(&fromCL, "from-cl", "d1", "")
	fs.StringVar(&setEmpty, "set-empty", "d2", "")
	fs.StringVar(&fromEnv, "from-env", "d3", "")
	fs.StringVar(&untouched, "untouched", "d4", "")
	fs.Parse([]string{"--from-cl=cl", "--set-empty="})

	os.Setenv("ECTEST_FROM_CL", "env1")
	os.Setenv("ECTEST_SET_EMPTY", "env2")
	os.Setenv("ECTEST_FROM_ENV", "env3")
	ParseFlagSet(fs, "ECTEST_")

	assert.Equal(t, "cl", fromCL, "explicit flag must win over the environment")
	assert.Equal(t, "", setEmpty, "explicitly empty flag must not be overridden")
	assert.Equal(t, "env3", fromEnv)
	assert.Equal(t, "d4", untouched)
}
