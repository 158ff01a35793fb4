package statistics

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

const recordQueueSize = 100

type RewriteRecordList struct {
	recordAddChan chan *RewriteRecord
	records       map[string]*RewriteRecord
	mu            sync.RWMutex

	dumpRecords []*RewriteRecord
	dumpFile    string
	dumpWriter  *bufio.Writer

	stop chan struct{}
	done chan struct{}
}

type RewriteRecord struct {
	Rule     string    `json:"rule"`
	Host     string    `json:"host"`
	Status   int       `json:"status"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

func NewRewriteRecordList(dumpFile string) *RewriteRecordList {
	return &RewriteRecordList{
		recordAddChan: make(chan *RewriteRecord, recordQueueSize),
		records:       make(map[string]*RewriteRecord, 32),
		dumpRecords:   make([]*RewriteRecord, 0, 32),
		dumpFile:      dumpFile,
		dumpWriter:    bufio.NewWriter(nil),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (l *RewriteRecordList) Run(interval time.Duration) {
	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case record := <-l.recordAddChan:
				l.Add(record)
			case <-ticker.C:
				l.Dump()
			case <-l.stop:
				for {
					select {
					case record := <-l.recordAddChan:
						l.Add(record)
					default:
						l.Dump()
						return
					}
				}
			}
		}
	}()
}

// Stop drains pending records, writes a final dump and stops the worker
// started by Run.
func (l *RewriteRecordList) Stop() {
	close(l.stop)
	<-l.done
}

// Enqueue hands a record to the worker. It drops the record when the queue
// is full.
func (l *RewriteRecordList) Enqueue(record *RewriteRecord) bool {
	select {
	case l.recordAddChan <- record:
		return true
	default:
		return false
	}
}

func (l *RewriteRecordList) Add(record *RewriteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := record.Rule + "|" + record.Host
	seen := record.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	if r, exists := l.records[key]; exists {
		r.Count++
		r.Status = record.Status
		r.LastSeen = seen
	} else {
		l.records[key] = &RewriteRecord{
			Rule:     record.Rule,
			Host:     record.Host,
			Status:   record.Status,
			Count:    1,
			LastSeen: seen,
		}
	}
}

// Snapshot returns copies of all records, most frequent first.
func (l *RewriteRecordList) Snapshot() []RewriteRecord {
	l.mu.RLock()
	out := make([]RewriteRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	l.mu.RUnlock()

	sortRecords(out)
	return out
}

func sortRecords(list []RewriteRecord) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		if list[i].Rule != list[j].Rule {
			return list[i].Rule < list[j].Rule
		}
		return list[i].Host < list[j].Host
	})
}

func (l *RewriteRecordList) Dump() {
	if l.dumpFile == "" {
		return
	}
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	l.dumpRecords = l.dumpRecords[:0]
	l.mu.RLock()
	for _, record := range l.records {
		l.dumpRecords = append(l.dumpRecords, record)
	}
	l.mu.RUnlock()

	sort.SliceStable(l.dumpRecords, func(i, j int) bool {
		return l.dumpRecords[i].Count > l.dumpRecords[j].Count
	})

	l.dumpWriter.Reset(f)
	defer func() {
		if err := l.dumpWriter.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.dumpRecords {
		_, err := fmt.Fprintf(l.dumpWriter, "%s %s %d %d %s\n",
			record.Rule, record.Host, record.Status, record.Count, record.LastSeen.Format(time.RFC3339))
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
