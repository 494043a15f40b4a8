//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
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


// Rrdcached receives data points over the Graphite protocols and
// HTTP, keeps round-robin archives of them in memory and periodically
// persists them to disk.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/daemon"
)

const Version = "0.1.0"

var (
	buildTime, gitRevision string
)

func main() {
	daemon.Version, daemon.BuildTime, daemon.GitRevision = Version, buildTime, gitRevision
	if err := daemon.Init(os.Args[1:]); err != nil {
		log.WithError(err).Errorf("rrdcached exiting")
		os.Exit(1)
	}
}
