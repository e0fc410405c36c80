// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"
)

type snapshotManifest struct {
	NodeMap   map[string]*NodeMeta `json:"nodeMap"`
	RaftIndex uint64               `json:"raftIndex"`
}

// maxSnapshotEntry bounds a single file in a snapshot archive.
const maxSnapshotEntry = 10 * 1024 * 1024

// persist writes a gzip'd tar archive with a manifest and one file per
// sheet.
func (f *FSM) persist(sink io.WriteCloser, manifest snapshotManifest, docs [][]byte) error {
	defer sink.Close()

	gw := gzip.NewWriter(sink)
	tw := tar.NewWriter(gw)

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}
	for _, data := range docs {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &head); err != nil || head.ID == "" {
			continue
		}
		name := fmt.Sprintf("sheets/%s.json", url.PathEscape(head.ID))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// restore replaces the store's contents with the archive's. Sheets that are
// not in the archive are purged.
func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	restored := make(map[string]bool)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if header.Size > maxSnapshotEntry {
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		switch {
		case header.Name == "manifest.json":
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			f.lastAppliedIndex.Store(manifest.RaftIndex)
		case strings.HasPrefix(header.Name, "sheets/"):
			var doc Document
			if err := json.NewDecoder(tr).Decode(&doc); err != nil {
				log.Printf("Restore Warning: failed to unmarshal sheet %s: %v", header.Name, err)
				continue
			}
			if err := f.st.Sheets.RestoreSheet(&doc); err != nil {
				return err
			}
			restored[doc.ID] = true
			if doc.Status == StatusDeleted {
				err = f.st.Stats.RemoveSheet(ctx, doc.ID)
			} else {
				err = f.st.Stats.IndexSheet(ctx, doc.ID, doc.Sheet)
			}
			if err != nil {
				log.Printf("Restore Warning: stats index for sheet %s: %v", doc.ID, err)
			}
		}
	}
	f.saveNodes()

	ids, err := f.st.Sheets.ListAllSheetIDs()
	if err != nil {
		log.Printf("Restore Cleanup Warning: failed to list sheets for zombie cleanup: %v", err)
		return nil
	}
	for _, id := range ids {
		if restored[id] {
			continue
		}
		if err := f.st.Sheets.PurgeSheet(id); err != nil {
			log.Printf("Restore Cleanup Warning: failed to purge sheet %s: %v", id, err)
		}
		if err := f.st.Stats.RemoveSheet(ctx, id); err != nil {
			log.Printf("Restore Cleanup Warning: stats index for sheet %s: %v", id, err)
		}
	}
	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
