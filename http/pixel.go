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

package http

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/misc"
	"github.com/tgres/rrdcache/receiver"
)

func sendPixel(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "Tue, 03 Mar 1998 01:34:48 GMT") // 888888888
	w.Header().Set("Last-Modified", "Tue, 03 Mar 1998 01:34:48 GMT")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "private, no-cache, no-cache=Set-Cookie, proxy-revalidate")

	w.Write([]byte("GIF89a\x01\x00\x01\x00\x00\x00\x00,\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x00;"))
}

// PixelHandler lets a web page record values by loading an image, as
// in /pixel?foo.bar.baz=12.345@1425959940 (the time is optional). The
// response is always a 1x1 gif, errors are only logged.
func PixelHandler(rcvr *receiver.Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendPixel(w)

		if err := r.ParseForm(); err != nil {
			log.WithError(err).Printf("PixelHandler: error from ParseForm()")
			return
		}

		for name, vals := range r.Form {
			name = misc.SanitizeName(name)
			for _, valStr := range vals {

				var val, ut float64
				n, _ := fmt.Sscanf(valStr, "%f@%f", &val, &ut)
				if n < 1 {
					log.Printf("PixelHandler: error parsing %q", valStr)
					continue
				}

				ts := timeNow()
				if ut != 0 {
					nsec := int64(ut*1000000000) % 1000000000
					ts = time.Unix(int64(ut), nsec)
				}

				if err := rcvr.Update(name, ts, val); err != nil {
					log.WithField("name", name).WithError(err).Printf("PixelHandler: update")
				}
			}
		}
	}
}
