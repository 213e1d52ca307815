package main

import (
	"flag"
	"io/ioutil"
	"math/rand"
	"net/http"
	"os"

	"github.com/gorgonia/rpan"
	"github.com/gorgonia/rpan/encoding/gif"
	"github.com/sirupsen/logrus"

	_ "net/http/pprof"
)

var (
	steps      = flag.Int("t", 5, "frames per clip")
	classes    = flag.Int("c", 4, "number of action classes")
	batchSize  = flag.Int("batch", 4, "clips per sub-batch")
	subBatches = flag.Int("subbatches", 2, "sub-batches accumulated per update")
	average    = flag.Bool("average", false, "average the accumulated gradients")
	frameSize  = flag.Int("frame", 56, "frame size in pixels. Must be a multiple of 7")
	channels   = flag.Int("channels", 32, "channels of the feature maps")
	lstmDim    = flag.Int("lstm", 64, "size of the recurrent state")
	lr         = flag.Float64("lr", 1e-3, "learning rate")
	epochs     = flag.Int("epochs", 5, "training epochs")
	train      = flag.Int("train", 64, "synthetic training clips")
	test       = flag.Int("test", 16, "synthetic test clips")
	seed       = flag.Int64("seed", 1337, "random seed of the synthetic data")

	model   = flag.String("model", "rpan.model", "where to save the trained model")
	load    = flag.String("load", "", "model to continue training from")
	stats   = flag.String("stats", "rpan.csv", "where to dump the training statistics")
	gifOut  = flag.String("gif", "attention.gif", "where to write the attention maps. Empty to disable")
	dotOut  = flag.String("dot", "", "where to write the architecture diagram")
	pprof   = flag.String("pprof", "", "serve pprof on this address")
	verbose = flag.Bool("v", false, "log every update")
)

func main() {
	flag.Parse()
	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if *pprof != "" {
		go func() {
			logger.WithField("addr", *pprof).Info("serving pprof")
			if err := http.ListenAndServe(*pprof, nil); err != nil {
				logger.WithError(err).Error("pprof")
			}
		}()
	}

	conf := rpan.DefaultConfig(*steps, *classes)
	conf.Name = "synthetic"
	conf.NetConf.BatchSize = *batchSize
	conf.NetConf.FrameSize = *frameSize
	conf.NetConf.Channels = *channels
	conf.NetConf.LSTMDim = *lstmDim
	conf.NetConf.LearningRate = *lr
	conf.SubBatches = *subBatches
	conf.AverageGradients = *average
	conf.Logger = logger
	if !conf.IsValid() {
		logger.Fatalf("invalid configuration %+v", conf)
	}

	var gifFile *os.File
	if *gifOut != "" {
		var err error
		if gifFile, err = os.Create(*gifOut); err != nil {
			logger.WithError(err).Fatal("creating gif")
		}
		defer gifFile.Close()
		conf.OutputEncoder = gif.NewGifEncoder(gifFile)
	}

	r := rand.New(rand.NewSource(*seed))
	trainSet, err := rpan.Synthetic(conf.NetConf, *train, conf.HeatmapSigma, r)
	if err != nil {
		logger.WithError(err).Fatal("generating training data")
	}
	testSet, err := rpan.Synthetic(conf.NetConf, *test, conf.HeatmapSigma, r)
	if err != nil {
		logger.WithError(err).Fatal("generating test data")
	}

	l := rpan.New(conf)
	defer func() {
		if err := l.Close(); err != nil {
			logger.WithError(err).Error("closing")
		}
	}()
	if *load != "" {
		if err = l.Load(*load); err != nil {
			logger.WithError(err).Fatal("loading model")
		}
	}
	if *dotOut != "" {
		if err = ioutil.WriteFile(*dotOut, []byte(l.Model().ArchitectureDot()), 0644); err != nil {
			logger.WithError(err).Error("writing architecture")
		}
	}

	if err = l.Learn(trainSet, *epochs); err != nil {
		logger.Fatalf("%+v", err)
	}
	if _, err = l.Evaluate(testSet); err != nil {
		logger.Fatalf("%+v", err)
	}

	if err = l.Dump(*stats); err != nil {
		logger.WithError(err).Error("dumping statistics")
	}
	if err = l.Save(*model); err != nil {
		logger.WithError(err).Error("saving model")
	}
}
