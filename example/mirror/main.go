// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

// main is the main function of this example program. A simple file server
// that mirrors a "remote" directory through a filecache.Cache and serves it
// over HTTP.
//
// Every request goes through the cache. For a file on remote storage, the
// first request populates the local mirror and that request and later ones
// are served from it (X-Cache: HIT); a file the cache classifies as local is
// served from remoteRoot directly (X-Cache: MISS-LOCAL).
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	listenAddr := ":8080"
	switch {
	case len(os.Args) == 1:
		// use default addr

	case 2 < len(os.Args), strings.HasPrefix(strings.TrimLeft(os.Args[1], "-"), "h"):
		fmt.Fprintf(os.Stderr, "USAGE: %s [ [host]:port ]\n", os.Args[0])
		return

	default:
		listenAddr = os.Args[1]
	}

	sv, err := newServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: server: %v\n", err)
		return
	}

	httpd := &http.Server{
		Addr:           listenAddr,
		Handler:        sv,
		ReadTimeout:    time.Second * 10,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 512,
	}
	go func() {
		<-ctx.Done()
		sdctx, sdcancel := context.WithTimeout(context.Background(), time.Second*5)
		defer sdcancel()
		if err := httpd.Shutdown(sdctx); err != nil { //nolint:contextcheck
			fmt.Fprintf(os.Stderr, "ERROR: httpd: %v\n", err)
		}
	}()
	if err := httpd.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "httpd: %v\n", err)
	}
}
