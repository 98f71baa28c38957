package feeders

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

// JSONFeeder is a feeder that reads JSON files. Unlike plain encoding/json it
// accepts duration strings such as "30s" for time.Duration fields.
type JSONFeeder struct {
	Path string
}

// NewJSONFeeder creates a new JSONFeeder that reads from the specified JSON file
func NewJSONFeeder(filePath string) JSONFeeder {
	return JSONFeeder{Path: filePath}
}

// Feed reads the JSON file and populates the provided structure
func (j JSONFeeder) Feed(structure interface{}) error {
	data, err := os.ReadFile(j.Path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file %s: %w", j.Path, err)
	}
	var jsonData interface{}
	if err := json.Unmarshal(data, &jsonData); err != nil {
		return fmt.Errorf("failed to parse JSON file %s: %w", j.Path, err)
	}
	return decodeValue(structure, jsonData)
}

// FeedKey reads a JSON file and extracts a specific key
func (j JSONFeeder) FeedKey(key string, target interface{}) error {
	var allData map[string]interface{}
	if err := j.Feed(&allData); err != nil {
		return err
	}
	value, exists := allData[key]
	if !exists {
		return nil
	}
	return decodeValue(target, value)
}

func decodeValue(target interface{}, value interface{}) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("%w, got %T", ErrInvalidStructure, target)
	}
	return assign(rv.Elem(), value, "")
}

// assign stores a decoded JSON value into field, converting where the JSON
// representation differs from the Go one.
func assign(field reflect.Value, value interface{}, path string) error {
	if value == nil {
		return nil
	}

	if field.Type() == durationType {
		switch v := value.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrCannotConvert, path, err)
			}
			field.SetInt(int64(d))
		case float64:
			field.SetInt(int64(v))
		default:
			return fmt.Errorf("%w: %s: %T to duration", ErrCannotConvert, path, value)
		}
		return nil
	}

	switch field.Kind() {
	case reflect.Ptr:
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return assign(field.Elem(), value, path)

	case reflect.Interface:
		field.Set(reflect.ValueOf(value))
		return nil

	case reflect.Struct:
		data, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w %s, got %T", ErrExpectedMapForStruct, path, value)
		}
		return assignStruct(field, data, path)

	case reflect.Map:
		data, ok := value.(map[string]interface{})
		if !ok || field.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w %s, got %T", ErrExpectedMapForStruct, path, value)
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		for k, v := range data {
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := assign(elem, v, path+"."+k); err != nil {
				return err
			}
			field.SetMapIndex(reflect.ValueOf(k).Convert(field.Type().Key()), elem)
		}
		return nil

	case reflect.Slice:
		items, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("%w %s, got %T", ErrExpectedArrayForSlice, path, value)
		}
		slice := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			if err := assign(slice.Index(i), item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		field.Set(slice)
		return nil

	case reflect.String:
		field.SetString(fmt.Sprint(value))
		return nil

	default:
		converted, err := cast.FromType(fmt.Sprint(value), field.Type())
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCannotConvert, path, err)
		}
		field.Set(reflect.ValueOf(converted).Convert(field.Type()))
		return nil
	}
}

func assignStruct(rv reflect.Value, data map[string]interface{}, prefix string) error {
	structType := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := structType.Field(i)
		if !field.CanSet() {
			continue
		}

		key := fieldType.Name
		if tag := fieldType.Tag.Get("json"); tag == "-" {
			continue
		} else if name := strings.Split(tag, ",")[0]; name != "" {
			key = name
		}

		value, exists := data[key]
		if !exists {
			continue
		}
		path := fieldType.Name
		if prefix != "" {
			path = prefix + "." + fieldType.Name
		}
		if err := assign(field, value, path); err != nil {
			return err
		}
	}
	return nil
}
