package main

import (
	"context"
	"log"
)

// broadcastWorker receives Status updates and fans them out to every
// downstream worker. A full downstream channel loses that update only.
func broadcastWorker(ctx context.Context, inputChan <-chan Status, outputChans []chan<- Status) {
	for {
		select {
		case status := <-inputChan:
			for i, ch := range outputChans {
				select {
				case ch <- status:
				case <-ctx.Done():
					return
				default:
					log.Printf("Warning: status consumer %d channel full, dropping update\n", i)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
