package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/spf13/cobra"
)

func newCreateTableCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "create-table",
		Short: "Create the DynamoDB table and its indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}
			ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
			return createTable(ctx, ddb, cfg.Storage.Table, wait)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the table is active")
	return cmd
}

// keyAttrs is every key attribute of the table and its indexes; all strings.
var keyAttrs = []string{
	"PK", "SK",
	"GSI1PK", "GSI1SK",
	"GSI2PK", "GSI2SK",
	"GSI3PK", "GSI3SK",
	"GSI4PK", "GSI4SK",
}

func createTable(ctx context.Context, ddb *dynamodb.Client, table string, wait bool) error {
	defs := make([]types.AttributeDefinition, 0, len(keyAttrs))
	for _, name := range keyAttrs {
		defs = append(defs, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: types.ScalarAttributeTypeS,
		})
	}

	gsis := make([]types.GlobalSecondaryIndex, 0, 4)
	for i := 1; i <= 4; i++ {
		gsis = append(gsis, types.GlobalSecondaryIndex{
			IndexName: aws.String(fmt.Sprintf("GSI%d", i)),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(fmt.Sprintf("GSI%dPK", i)), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(fmt.Sprintf("GSI%dSK", i)), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		})
	}

	_, err := ddb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(table),
		BillingMode:          types.BillingModePayPerRequest,
		AttributeDefinitions: defs,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: gsis,
	})
	if err != nil {
		var exists *types.ResourceInUseException
		if errors.As(err, &exists) {
			log.Info().Str("table", table).Msg("table already exists")
			return nil
		}
		return fmt.Errorf("create table %s: %w", table, err)
	}

	if wait {
		waiter := dynamodb.NewTableExistsWaiter(ddb)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 5*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", table, err)
		}
	}

	// Message rows carry an expiry epoch in the "ttl" attribute.
	_, err = ddb.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enable ttl on %s: %w", table, err)
	}

	log.Info().Str("table", table).Msg("table created")
	return nil
}
