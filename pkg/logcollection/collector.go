package logcollection

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// StreamCollector re-logs the output of one worker process line by line.
// The collector goroutine ends when the stream hits EOF, which happens once
// the worker exits and its pipe is drained.
type StreamCollector struct {
	unitID string
	logger StructuredLogger

	mu             sync.Mutex
	linesProcessed int64
	bytesProcessed int64
	lastActivity   time.Time
	lastError      error

	wg sync.WaitGroup
}

// NewStreamCollector creates a collector that logs through logger tagged with unitID
func NewStreamCollector(unitID string, logger StructuredLogger) *StreamCollector {
	return &StreamCollector{
		unitID: unitID,
		logger: logger.WithUnit(unitID),
	}
}

// Collect starts reading stream in the background
func (c *StreamCollector) Collect(stream io.Reader, streamType StreamType) {
	if stream == nil {
		return
	}
	c.wg.Add(1)
	go c.streamReader(stream, streamType)
}

// Wait blocks until every collected stream reached EOF
func (c *StreamCollector) Wait() {
	c.wg.Wait()
}

// LinesProcessed reports how many lines were forwarded so far
func (c *StreamCollector) LinesProcessed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linesProcessed
}

// Err returns the last read error other than EOF
func (c *StreamCollector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *StreamCollector) streamReader(stream io.Reader, streamType StreamType) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(stream)
	lineNum := int64(0)
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++

		c.mu.Lock()
		c.linesProcessed++
		c.bytesProcessed += int64(len(line))
		c.lastActivity = time.Now()
		c.mu.Unlock()

		c.logger.LogWithFields(InfoLevel, line, Stream(streamType), Int64("line", lineNum))
	}

	if err := scanner.Err(); err != nil {
		c.logger.WithError(err).Warnf("Error reading worker %s stream", streamType)
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
	}
}
