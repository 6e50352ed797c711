// Command scenegen trains the scene generators and samples scenes from them.
//
// Usage:
//
//	scenegen -mode train-ar -config scenegen.yaml
//	scenegen -mode generate-diffusion -checkpoint output/diffusion.ckpt -store output/scenes.db
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/Noofbiz/sceneSynth/config"
)

const (
	modeTrainAR         = "train-ar"
	modeTrainDiffusion  = "train-diffusion"
	modeGenerateAR      = "generate-ar"
	modeGenerateDiffuse = "generate-diffusion"
	modeEvaluateAR      = "evaluate-ar"
)

var (
	configPath = flag.String("config", "", "YAML config file (empty uses built-in defaults)")
	mode       = flag.String("mode", modeGenerateAR, "one of: train-ar train-diffusion generate-ar generate-diffusion evaluate-ar")

	dataDir      = flag.String("data", "", "processed dataset directory (overrides data_dir)")
	ckptPath     = flag.String("checkpoint", "", "checkpoint path (overrides checkpoint)")
	storePath    = flag.String("store", "", "SQLite scene store (overrides store)")
	outCSV       = flag.String("out-csv", "", "also write generated agents to this CSV file")
	seed         = flag.Uint64("seed", 0, "random seed for training and generation")
	epochs       = flag.Int("epochs", 0, "training epochs")
	batchSize    = flag.Int("batch-size", 0, "training batch size")
	learningRate = flag.Float64("learning-rate", 0, "optimizer learning rate")
	optimizer    = flag.String("optimizer", "", "optimizer: adam or sgd")
	samples      = flag.Int("samples", 0, "number of dataset samples to generate for (0 = all)")
	workers      = flag.Int("workers", 0, "parallel generation workers (0 = NumCPU)")
	diffSteps    = flag.Int("diffusion-steps", 0, "number of reverse diffusion steps")
	printConfig  = flag.Bool("print-effective-config", false, "print the merged configuration as YAML and exit")

	logLevels = map[string]logrus.Level{
		"trace":    logrus.TraceLevel,
		"debug":    logrus.DebugLevel,
		"info":     logrus.InfoLevel,
		"warn":     logrus.WarnLevel,
		"error":    logrus.ErrorLevel,
		"critical": logrus.FatalLevel,
		"off":      logrus.PanicLevel,
	}
	logLevel = flag.String("log.level", "info", "log level (trace debug info warn error critical off)")

	log = logrus.WithField("module", "scenegen")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})
	if level, ok := logLevels[*logLevel]; ok {
		logrus.SetLevel(level)
	} else {
		log.Panicf("log.level must be one of %v", logLevels)
	}

	c := config.Defaults()
	if *configPath != "" {
		var err error
		c, err = config.Load(*configPath)
		if err != nil {
			log.Panic(err)
		}
	}
	applyFlags(&c)
	if err := c.Validate(); err != nil {
		log.Panicf("invalid configuration: %v", err)
	}

	if *printConfig {
		out, err := yaml.Marshal(c)
		if err != nil {
			log.Panic(err)
		}
		fmt.Print(string(out))
		return
	}
	log.Debugf("%+v", c)

	if err := run(*mode, c); err != nil {
		log.Errorf("%s: %v", *mode, err)
		os.Exit(1)
	}
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(c *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			c.DataDir = *dataDir
		case "checkpoint":
			c.Checkpoint = *ckptPath
		case "store":
			c.Store = *storePath
		case "seed":
			c.Training.Seed = *seed
			c.Generation.Seed = *seed
		case "epochs":
			c.Training.Epochs = *epochs
		case "batch-size":
			c.Training.BatchSize = *batchSize
		case "learning-rate":
			c.Training.LearningRate = *learningRate
		case "optimizer":
			c.Training.Optimizer = *optimizer
		case "samples":
			c.Generation.Samples = *samples
		case "workers":
			c.Generation.Workers = *workers
		case "diffusion-steps":
			c.Generation.DiffusionSteps = *diffSteps
		}
	})
}

func run(mode string, c config.Config) error {
	switch mode {
	case modeTrainAR:
		return trainAutoregressive(c)
	case modeTrainDiffusion:
		return trainDiffusion(c)
	case modeGenerateAR:
		return generateAutoregressive(c, *outCSV)
	case modeGenerateDiffuse:
		return generateDiffusion(c, *outCSV)
	case modeEvaluateAR:
		return evaluateAutoregressive(c)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}
