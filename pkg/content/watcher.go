// Copyright 2024 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// Watch folder ingestion: files dropped into <inbox>/<productID>/ are
// stored through the content store and removed from the inbox.

package content

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors an inbox directory and ingests dropped files.
type Watcher struct {
	store *Store
	inbox string
}

func NewWatcher(store *Store, inbox string) *Watcher {
	return &Watcher{store: store, inbox: inbox}
}

// Run processes files already present in the inbox, then watches for new
// ones until the context is cancelled. Ingestion is limited to 4
// concurrent files.
func (w *Watcher) Run(ctx context.Context) {

	var wg sync.WaitGroup

	// process files already present in the inbox
	w.processExistingFiles(ctx)

	// semaphore, limits processing to 4 concurrent files
	sem := make(chan struct{}, 4)
	w.watchFileChanges(ctx, &wg, sem)

	wg.Wait() // wait for ongoing ingestions to finish
	log.Println("Watcher halted.")
}

// processExistingFiles ingests files already present in the inbox
func (w *Watcher) processExistingFiles(ctx context.Context) {
	products, err := os.ReadDir(w.inbox)
	if err != nil {
		log.Printf("Error reading inbox: %v", err)
		return
	}

	for _, product := range products {
		if !product.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(w.inbox, product.Name()))
		if err != nil {
			log.Printf("Error reading product directory: %v", err)
			continue
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if file.Name() == ".DS_Store" {
				continue
			}
			log.Printf("File found: %s/%s", product.Name(), file.Name())
			err = w.ingestFile(ctx, filepath.Join(w.inbox, product.Name(), file.Name()))
			if err != nil {
				log.Errorf("Error ingesting file %s: %v", file.Name(), err)
			}
		}
	}
}

// watchFileChanges monitors changes in the inbox directory
func (w *Watcher) watchFileChanges(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("Error creating watcher: %v", err)
		return
	}
	defer watcher.Close()

	err = watcher.Add(w.inbox)
	if err != nil {
		log.Errorf("Error adding directory: %v", err)
		return
	}
	// watch existing product subdirectories too
	products, _ := os.ReadDir(w.inbox)
	for _, product := range products {
		if product.IsDir() {
			watcher.Add(filepath.Join(w.inbox, product.Name()))
		}
	}

	log.Printf("Monitoring inbox: %s", w.inbox)
	for {
		select {
		case <-ctx.Done():
			log.Println("Watcher stop requested.")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				// a new product directory must itself be watched
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watcher.Add(event.Name)
					continue
				}
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				log.Printf("File modified or created: %s", event.Name)
				sem <- struct{}{} // block if 4 ingestions are already running
				wg.Add(1)
				go func(filePath string) {
					defer wg.Done()
					defer func() { <-sem }() // free up a slot in the semaphore
					err := w.ingestFile(ctx, filePath)
					if err != nil {
						log.Errorf("Error ingesting file %s: %v", filepath.Base(filePath), err)
					}
				}(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Error watching: %v", err)
		}
	}
}

// ingestFile stores one inbox file; the parent directory name is the
// product identifier. The source file is removed after ingestion.
func (w *Watcher) ingestFile(ctx context.Context, filePath string) error {

	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return err
	}
	productID := filepath.Base(filepath.Dir(filePath))
	if productID == filepath.Base(w.inbox) {
		// file dropped at the inbox root, no product to attach it to
		log.Warningf("Ignoring file without a product directory: %s", filePath)
		return nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	fileName := filepath.Base(filePath)
	_, err = w.store.Add(ctx, f, productID, Meta{
		Name:             fileName,
		OriginalFilename: fileName,
	})
	if err != nil {
		return err
	}

	// delete the source file
	if err := os.Remove(filePath); err != nil {
		return err
	}
	log.Printf("File ingested: %s", fileName)
	return nil
}
