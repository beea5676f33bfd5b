package main

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
)

func TestEndpointOverrideAppliesToEveryClient(t *testing.T) {
	const endpoint = "http://localhost:4566"

	var s3Opts s3.Options
	s3Options(endpoint)(&s3Opts)
	assert.Equal(t, endpoint, aws.ToString(s3Opts.BaseEndpoint))
	assert.True(t, s3Opts.UsePathStyle)

	var sqsOpts sqs.Options
	sqsOptions(endpoint)(&sqsOpts)
	assert.Equal(t, endpoint, aws.ToString(sqsOpts.BaseEndpoint))

	var cwOpts cloudwatch.Options
	cloudwatchOptions(endpoint)(&cwOpts)
	assert.Equal(t, endpoint, aws.ToString(cwOpts.BaseEndpoint), "metrics must stay local when an endpoint override is set")
}

func TestNoEndpointOverrideLeavesDefaults(t *testing.T) {
	var s3Opts s3.Options
	s3Options("")(&s3Opts)
	assert.Nil(t, s3Opts.BaseEndpoint)
	assert.False(t, s3Opts.UsePathStyle)

	var sqsOpts sqs.Options
	sqsOptions("")(&sqsOpts)
	assert.Nil(t, sqsOpts.BaseEndpoint)

	var cwOpts cloudwatch.Options
	cloudwatchOptions("")(&cwOpts)
	assert.Nil(t, cwOpts.BaseEndpoint)
}
