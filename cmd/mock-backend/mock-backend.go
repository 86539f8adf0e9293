// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Command mock-backend is a development/test double for the Director
// and Image Uptane repositories, serving role documents and target
// binaries from a directory tree and logging device manifests PUT to
// it.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

func main() {
	addr := flag.String("addr", "localhost:8089", "listen address")
	director := flag.String("director-dir", "./mocks/director", "directory serving Director role files and target binaries")
	image := flag.String("image-dir", "./mocks/image", "directory serving Image role files and target binaries")
	flag.Parse()

	mux := http.NewServeMux()
	mux.Handle("/director/", http.StripPrefix("/director/", repositoryHandler(*director)))
	mux.Handle("/image/", http.StripPrefix("/image/", repositoryHandler(*image)))
	mux.HandleFunc("/director/manifest", manifestHandler)

	log.Printf("mock-backend: serving director from %s, image from %s, on %s", *director, *image, *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("mock-backend: %v", err)
	}
}

// repositoryHandler serves role documents (N.root.json, timestamp.json,
// snapshot.json, targets.json, <delegation>.json) and target binaries
// straight off disk, the way the real Director/Image HTTP surface does
// for GET requests.
func repositoryHandler(root string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path := filepath.Join(root, filepath.Clean("/"+r.URL.Path))
		f, err := os.Open(path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, f); err != nil {
			log.Printf("mock-backend: error streaming %s: %v", path, err)
		}
	})
}

// manifestHandler accepts the device's aggregated manifest PUT and
// prints it, standing in for backend ingestion/storage.
func manifestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}
	fmt.Printf("mock-backend: received device manifest (%d bytes):\n%s\n", len(body), body)
	w.WriteHeader(http.StatusOK)
}
