package global

import (
	"context"

	"github.com/lamyinia/TellYou-sub000/service/mgo"
	redis "github.com/lamyinia/TellYou-sub000/service/storage/redis"
	"github.com/lamyinia/TellYou-sub000/tools/ids"
)

// ConfigIds 雪花节点号来自配置；多实例部署必须互异。
func ConfigIds() {
	ids.SetNodeID(conf.NodeID)
}

func ConfigRedis() error {
	return redis.InitRedis(conf.Redis)
}

func ConfigMgo(ctx context.Context) error {
	return mgo.InitMongo(ctx, conf.Mongo)
}

// ConfigStorage 数据节点的存储面一次拉起。
func ConfigStorage(ctx context.Context) error {
	if err := ConfigRedis(); err != nil {
		return err
	}
	return ConfigMgo(ctx)
}
