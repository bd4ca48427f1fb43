// Command e2e exercises a queue driver end to end: it enqueues random
// jobs, runs workers with a configurable failure rate, and logs stats
// until interrupted. Driver selection comes from the environment, e.g.
//
//	QUEUE_DRIVER=sql QUEUE_SQL_DIALECT=sqlite QUEUE_SQL_DSN=file:e2e.db go run ./e2e
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eclaire-labs/jobqueue"
	"github.com/eclaire-labs/jobqueue/adapter"
)

func main() {
	var (
		concurrency = flag.Int("c", 2, "maximum number of concurrent jobs per worker")
		fillTime    = flag.Duration("fill-time", 5*time.Second, "interval in which new jobs get added")
		runTime     = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxAttempts = flag.Int("max-attempts", 2, "maximum number of attempts per job")
		queuesList  = flag.String("queues", "a,b,c", "comma-separated list of queues")
		failureRate = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		cronExpr    = flag.String("cron", "", "optional cron expression to schedule on every queue")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := adapter.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	cfg.Concurrency = *concurrency
	q, err := adapter.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	// Start one worker per queue
	queues := strings.SplitN(*queuesList, ",", -1)
	var workers []jobqueue.Worker
	for _, queue := range queues {
		w := q.NewWorker(queue, makeHandler(*failureRate, *runTime))
		if err := w.Start(); err != nil {
			log.Fatal(err)
		}
		workers = append(workers, w)
	}

	// Optionally add a schedule per queue
	if *cronExpr != "" {
		for _, queue := range queues {
			_, err := q.Scheduler().Upsert(context.Background(), &jobqueue.ScheduleConfig{
				Key:   "e2e-" + queue,
				Queue: queue,
				Cron:  *cronExpr,
			})
			if err != nil {
				log.Fatal(err)
			}
		}
		if err := q.Scheduler().Start(); err != nil {
			log.Fatal(err)
		}
	}

	errc := make(chan error, 1)

	// Enqueue jobs
	go func() {
		errc <- enqueuer(q.Client(), queues, *fillTime, *maxAttempts)
	}()

	// Print stats
	go logger(q.Client(), *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		var err error
		for _, w := range workers {
			if werr := w.Stop(); werr != nil && err == nil {
				err = werr
			}
		}
		errc <- err
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

func enqueuer(c jobqueue.Client, queues []string, fillTime time.Duration, maxAttempts int) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		queue := queues[rand.Intn(len(queues))]
		cnt++
		data := map[string]interface{}{"n": cnt}
		_, err := c.Enqueue(context.Background(), queue, data, &jobqueue.EnqueueOptions{
			MaxAttempts: maxAttempts,
			Priority:    rand.Intn(3),
		})
		if err != nil {
			return err
		}
	}
}

func logger(c jobqueue.Client, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for range t.C {
		ss, err := c.Stats(context.Background(), "")
		if err == nil {
			fmt.Printf("Pending=%6d Retry=%6d Processing=%6d Completed=%6d Failed=%6d\n",
				ss.Pending,
				ss.RetryPending,
				ss.Processing,
				ss.Completed,
				ss.Failed)
		}
	}
}

func makeHandler(failureRate float64, runTime time.Duration) jobqueue.Handler {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, jc jobqueue.JobContext) error {
		time.Sleep(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond)
		if rand.Float64() < failureRate {
			return errors.New("handler failed")
		}
		return nil
	}
}
