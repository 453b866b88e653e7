package config

import (
	"reflect"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PulsarCompressionTypeHookFunc(),
		PulsarCompressionLevelHookFunc(),
	)),
}

func PulsarCompressionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.NoCompression) {
			return data, nil
		}
		return ParsePulsarCompressionType(data.(string))
	}
}

func PulsarCompressionLevelHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.Default) {
			return data, nil
		}
		return ParsePulsarCompressionLevel(data.(string))
	}
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(compressionType) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "lz4":
		return pulsar.LZ4, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "zstd":
		return pulsar.ZSTD, nil
	default:
		return pulsar.NoCompression, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "pulsar.CompressionType",
			Value:   compressionType,
			Message: "Unknown Pulsar compression type.  Valid values are \"None\", \"LZ4\", \"Zlib\", \"Zstd\"",
		})
	}
}

func ParsePulsarCompressionLevel(compressionLevel string) (pulsar.CompressionLevel, error) {
	switch strings.ToLower(compressionLevel) {
	case "", "default":
		return pulsar.Default, nil
	case "faster":
		return pulsar.Faster, nil
	case "better":
		return pulsar.Better, nil
	default:
		return pulsar.Default, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "pulsar.CompressionLevel",
			Value:   compressionLevel,
			Message: "Unknown Pulsar compression level.  Valid values are \"Default\", \"Faster\", \"Better\"",
		})
	}
}
