package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitleak/eq/client"
)

var (
	cfgFile  string
	eqClient *client.EqClient
)

func initEqClient() {
	if cfgFile == "" {
		viper.SetConfigName(".eq")
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println("Failed to get home directory")
			os.Exit(1)
		}
		viper.AddConfigPath(home)
	} else {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 7777)
	viper.SetEnvPrefix("eq")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Printf("Failed to load config: %s\n", err)
			os.Exit(1)
		}
	}
	eqClient = client.NewEqClient(viper.GetString("host"), viper.GetInt("port"), viper.GetString("pool"))
	eqClient.ConfigRetry(viper.GetInt("retry"), viper.GetInt("backoff"))
}

func printJob(job *client.Job) {
	fmt.Printf("Job ID: %s\n", job.ID)
	fmt.Printf("Job data: %s\n", string(job.Data))
	fmt.Printf("* Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.Working() {
		fmt.Printf("* Working since: %s\n", job.LeaseStartedAt.Format(time.RFC3339))
	} else {
		fmt.Println("* Waiting")
	}
	fmt.Printf("* Elapsed: %s\n", time.Duration(job.ElapsedMS)*time.Millisecond)
}

func main() {
	cobra.OnInitialize(initEqClient)

	pushCmd := &cobra.Command{
		Use:     "push [job data]",
		Short:   "push a job to the pool",
		Example: `push "hello world"`,
		Aliases: []string{"put", "pub"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			jobID, err := eqClient.Push([]byte(args[0]))
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
			} else {
				fmt.Printf("Job ID: %s\n", jobID)
			}
		},
	}

	reserveCmd := &cobra.Command{
		Use:     "reserve",
		Short:   "lease the oldest waiting job",
		Example: "reserve",
		Aliases: []string{"get", "con"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			job, err := eqClient.Reserve()
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
			} else if job == nil {
				fmt.Println("No job available")
			} else {
				printJob(job)
			}
		},
	}

	peekCmd := &cobra.Command{
		Use:     "peek [job ID]",
		Short:   "show a job without leasing it",
		Example: "peek 17000000000001234",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			job, err := eqClient.Peek(args[0])
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				return
			}
			if job == nil {
				fmt.Printf("Not found\n")
				return
			}
			printJob(job)
		},
	}

	releaseCmd := &cobra.Command{
		Use:     "release [job ID]",
		Short:   "put a working job back to waiting",
		Example: "release 17000000000001234",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ok, err := eqClient.Release(args[0])
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
			} else if !ok {
				fmt.Println("Not found or not working")
			} else {
				fmt.Println("Released")
			}
		},
	}

	popCmd := &cobra.Command{
		Use:     "pop [job ID]",
		Short:   "remove the job, mark it as finished",
		Example: "pop 17000000000001234",
		Aliases: []string{"ack", "del"},
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ok, err := eqClient.Pop(args[0])
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
			} else if !ok {
				fmt.Println("Not found")
			} else {
				fmt.Println("ACK")
			}
		},
	}

	sizeCmd := &cobra.Command{
		Use:     "size [all|waiting|working]",
		Short:   "count the jobs of the pool",
		Example: "size\nsize waiting",
		Aliases: []string{"len"},
		Args:    cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			state := ""
			if len(args) == 1 {
				state = args[0]
			}
			size, err := eqClient.Size(state)
			if err != nil {
				fmt.Printf("Failed: %s\n", err)
				return
			}
			fmt.Printf("Size: %d\n", size)
		},
	}

	rootCmd := &cobra.Command{Use: "eq"}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("pool", "p", "", "pool name, the default pool if empty")
	viper.BindPFlag("pool", rootCmd.PersistentFlags().Lookup("pool"))

	rootCmd.AddCommand(pushCmd, reserveCmd, peekCmd, releaseCmd, popCmd, sizeCmd)
	rootCmd.Execute()
}
