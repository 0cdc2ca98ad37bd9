package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"

	"im_core_server/pkg/errorx"
)

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	if err := InitTrans("zh"); err != nil {
		panic(err)
	}
}

// InitTrans 初始化校验器与错误信息翻译器，locale 为 "zh" 或 "en"
// 字段名取 json tag，使错误信息与客户端看到的字段名一致
func InitTrans(locale string) error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	uni := ut.New(en.New(), zh.New(), en.New())
	t, ok := uni.GetTranslator(locale)
	if !ok {
		return fmt.Errorf("uni.GetTranslator(%s) failed", locale)
	}

	var err error
	switch locale {
	case "zh":
		err = zh_translations.RegisterDefaultTranslations(v, t)
	default:
		err = en_translations.RegisterDefaultTranslations(v, t)
	}
	if err != nil {
		return err
	}
	validate, trans = v, t
	return nil
}

// Bind 把 data 解码到 dst 并做字段校验
// 任何失败都返回 CodeInvalidParam，不会关闭连接
func (p *Packet) Bind(dst any) error {
	data := p.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errorx.Wrapf(err, errorx.CodeInvalidParam, "%s 参数格式错误", p.Type)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return errorx.Wrap(err, errorx.CodeInvalidParam, translate(verrs))
		}
		return errorx.Wrap(err, errorx.CodeInvalidParam, errorx.ErrInvalidParam.Msg)
	}
	return nil
}

// translate 去掉结构体名前缀后拼成一行
func translate(verrs validator.ValidationErrors) string {
	fields := verrs.Translate(trans)
	msgs := make([]string, 0, len(fields))
	for field, msg := range fields {
		field = field[strings.Index(field, ".")+1:]
		msgs = append(msgs, field+": "+msg)
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
